package worker

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensrf-go/listener/internal/framing"
	"github.com/opensrf-go/listener/internal/logging"
	"github.com/opensrf-go/listener/internal/protocol"
	"github.com/opensrf-go/listener/internal/session"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func pipePair(t *testing.T) (reqR, reqW, statR, statW *os.File) {
	t.Helper()
	var err error
	reqR, reqW, err = os.Pipe()
	require.NoError(t, err)
	statR, statW, err = os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reqR.Close()
		_ = reqW.Close()
		_ = statR.Close()
		_ = statW.Close()
	})
	return
}

// TestReadinessSkippedOnFinalRequest verifies the exact boundary: a worker
// serving its Nth (final, by MaxRequests) request never writes a readiness
// token, since it is about to exit and hand the slot back to the Pool
// Manager only via process death, not via the readiness channel.
func TestReadinessSkippedOnFinalRequest(t *testing.T) {
	defer leaktest.Check(t)()

	reqR, reqW, statR, statW := pipePair(t)

	var served int
	dispatcher := session.HandlerFunc(func(ctx context.Context, msg *protocol.Message) error {
		served++
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), reqR, statW, Config{
			AppName:     "opensrf.test",
			MaxRequests: 2,
			Dispatcher:  dispatcher,
		})
	}()

	require.NoError(t, framing.WriteRequest(reqW, []byte("first")))

	statReader := bufio.NewReader(statR)
	tok := make([]byte, len(framing.ReadinessToken))
	_, err := statReader.Read(tok)
	require.NoError(t, err)
	assert.Equal(t, framing.ReadinessToken, tok)

	require.NoError(t, framing.WriteRequest(reqW, []byte("second")))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after serving MaxRequests")
	}
	assert.Equal(t, 2, served)

	// No second readiness token was ever written: confirm there is nothing
	// left buffered for us to read.
	_ = reqW.Close()
	_ = statW.Close()
	n, _ := statReader.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
}

type fakeSession struct {
	waits    []fakeWait
	i        int
	statuses []string
}

type fakeWait struct {
	status  session.WaitStatus
	hasData bool
	err     error
	sleep   time.Duration
}

func (s *fakeSession) Stateful() bool  { return true }
func (s *fakeSession) Connected() bool { return s.i < len(s.waits) }
func (s *fakeSession) QueueWait(ctx context.Context, timeout time.Duration) (session.WaitStatus, bool, error) {
	w := s.waits[s.i]
	s.i++
	if w.sleep > 0 {
		time.Sleep(w.sleep)
	}
	return w.status, w.hasData, w.err
}
func (s *fakeSession) SendStatus(ctx context.Context, status string) error {
	s.statuses = append(s.statuses, status)
	return nil
}

func TestServeSessionSendsTimeoutAfterKeepaliveElapses(t *testing.T) {
	sess := &fakeSession{waits: []fakeWait{
		{status: session.WaitOK, hasData: false, sleep: 15 * time.Millisecond},
		{status: session.WaitOK, hasData: false},
	}}
	serveSession(context.Background(), sess, 10*time.Millisecond, testLogger())

	require.Len(t, sess.statuses, 1)
	assert.Equal(t, "timeout", sess.statuses[0])
}

func TestServeSessionContinuesOnDataBeforeKeepaliveElapses(t *testing.T) {
	sess := &fakeSession{waits: []fakeWait{
		{status: session.WaitOK, hasData: true},
		{status: session.WaitOK, hasData: false},
	}}
	serveSession(context.Background(), sess, time.Hour, testLogger())

	// The first wait delivered data, resetting the activity clock, so the
	// second idle wait (far short of the hour keepalive) must not time out.
	assert.Empty(t, sess.statuses)
}

func TestServeSessionStopsOnWaitError(t *testing.T) {
	sess := &fakeSession{waits: []fakeWait{
		{status: session.WaitError},
	}}
	serveSession(context.Background(), sess, time.Hour, testLogger())
	assert.Empty(t, sess.statuses)
}

func TestServeSessionSkipsStatelessSessions(t *testing.T) {
	sess := &fakeSession{waits: []fakeWait{{status: session.WaitOK}}}
	// Stateful() is hardcoded true on fakeSession; exercise the stateless
	// skip path via a tiny anonymous wrapper instead.
	statelessSess := &statelessWrapper{fakeSession: sess}
	serveSession(context.Background(), statelessSess, time.Hour, testLogger())
	assert.Equal(t, 0, sess.i)
}

type statelessWrapper struct {
	*fakeSession
}

func (s *statelessWrapper) Stateful() bool { return false }
