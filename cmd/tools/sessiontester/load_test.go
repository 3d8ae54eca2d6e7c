package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kvtavern/internal/engine/fake"
	"github.com/zhouzirui/kvtavern/internal/handler"
	"github.com/zhouzirui/kvtavern/internal/service/session"
)

func TestRunLoad(t *testing.T) {
	eng := fake.New(fake.WithDelay(time.Millisecond))
	reg := session.NewRegistry(eng, session.Config{})
	srv := httptest.NewServer(handler.NewRouter(reg, handler.Options{}))
	defer srv.Close()

	rep, err := runLoad(context.Background(), newClient(srv.URL, 10*time.Second), loadOptions{
		Sessions: 3,
		Turns:    2,
		Message:  "hello",
	})
	require.NoError(t, err)
	assert.Len(t, rep.Latencies, 6)
	assert.Len(t, rep.Replies, 3)
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, eng.Live())

	var out bytes.Buffer
	rep.print(&out)
	assert.Contains(t, out.String(), "sessions=3 turns=2")
}

func TestRunLoadKeepsSessions(t *testing.T) {
	reg := session.NewRegistry(fake.New(), session.Config{})
	srv := httptest.NewServer(handler.NewRouter(reg, handler.Options{}))
	defer srv.Close()

	_, err := runLoad(context.Background(), newClient(srv.URL, 10*time.Second), loadOptions{
		Sessions: 2,
		Turns:    1,
		Message:  "hi",
		Keep:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Count())
}

func TestRunLoadReportsServerErrors(t *testing.T) {
	reg := session.NewRegistry(fake.New(), session.Config{MaxSessions: 1})
	srv := httptest.NewServer(handler.NewRouter(reg, handler.Options{}))
	defer srv.Close()

	_, err := runLoad(context.Background(), newClient(srv.URL, 10*time.Second), loadOptions{
		Sessions: 2,
		Turns:    1,
		Message:  "hi",
		Keep:     true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
