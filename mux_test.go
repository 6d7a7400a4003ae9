// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ncp

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/ZaparooProject/go-ncp/internal/testing"
)

// startMux runs a parser over rw until the test ends. closer must unblock
// pending reads on rw.
func startMux(t *testing.T, rw io.ReadWriter, closer io.Closer, cfg *MuxConfig) *Mux {
	t.Helper()

	m, err := NewMux(rw, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = closer.Close()
		select {
		case err := <-done:
			if err != nil {
				assert.ErrorIs(t, err, context.Canceled)
			}
		case <-time.After(eventually):
			t.Error("parser did not stop")
		}
	})
	return m
}

func newStreamMux(t *testing.T, cfg *MuxConfig) (*Mux, *testutil.ATStream) {
	t.Helper()
	stream := testutil.NewATStream()
	return startMux(t, stream, stream, cfg), stream
}

// newFedMux returns a parser with no read loop; tests call feed.
func newFedMux(t *testing.T, cfg *MuxConfig) *Mux {
	t.Helper()
	m, err := NewMux(testutil.NewATStream(), cfg)
	require.NoError(t, err)
	return m
}

func TestNewMux_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rw   io.ReadWriter
		cfg  *MuxConfig
		name string
	}{
		{name: "nil stream", cfg: DefaultMuxConfig()},
		{name: "tiny match buffer", rw: testutil.NewATStream(), cfg: &MuxConfig{MatchBufferSize: 1}},
		{
			name: "receive smaller than match",
			rw:   testutil.NewATStream(),
			cfg:  &MuxConfig{RxBufferSize: 64, MatchBufferSize: 128},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewMux(tt.rw, tt.cfg)
			require.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestMux_SendAndWait(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup      func(r *testutil.ATResponder)
		name       string
		wantStatus Status
	}{
		{
			name:       "OK",
			setup:      func(r *testutil.ATResponder) { r.SetReply("AT+FOO=1", testutil.ReplyOK) },
			wantStatus: StatusOK,
		},
		{
			name:       "ERROR",
			setup:      func(r *testutil.ATResponder) { r.SetReply("AT+FOO=1", testutil.ReplyError) },
			wantStatus: StatusPeerError,
		},
		{
			name:       "no reply",
			setup:      func(r *testutil.ATResponder) { r.SetSilent("AT+FOO=1") },
			wantStatus: StatusTimeout,
		},
		{
			name: "reply split across chunks",
			setup: func(r *testutil.ATResponder) {
				r.SetReply("AT+FOO=1", "\r\n", "O", "K\r", "\n")
			},
			wantStatus: StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, stream := newStreamMux(t, nil)
			tt.setup(stream.AT)

			err := m.SendAndWait("AT+FOO=1", 100*time.Millisecond)
			assert.Equal(t, tt.wantStatus, StatusOf(err))
			assert.Equal(t, "AT+FOO=1\r\n", string(stream.Written()))

			switch tt.wantStatus {
			case StatusPeerError:
				pe, ok := IsPeerError(err)
				require.True(t, ok)
				assert.Equal(t, CodeGeneric, pe.Code)
				assert.Equal(t, "AT+FOO=1", pe.Command)
			case StatusTimeout:
				assert.True(t, HasTrace(err))
				assert.Equal(t, uint64(1), m.Counters().Timeouts)
			default:
			}
		})
	}
}

func TestMux_LateOKAfterTimeout(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.AT.SetSilent("AT+SLOW")
	stream.AT.SetReply("AT+NEXT", testutil.ReplyError)

	err := m.SendAndWait("AT+SLOW", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	before := m.Counters().Matched
	stream.Inject(testutil.ReplyOK)
	require.Eventually(t, func() bool { return m.Counters().Matched > before }, eventually, tick)

	// the stale OK must not answer the next command
	err = m.SendAndWait("AT+NEXT", time.Second)
	assert.Equal(t, StatusPeerError, StatusOf(err))

	require.NoError(t, m.SendAndWait("AT", time.Second))
}

func TestMux_SendWithoutWait(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.AT.SetSilent("AT+RST")

	require.NoError(t, m.Send(context.Background(), "AT+RST", 0, 0, nil))
	assert.Equal(t, "AT+RST\r\n", string(stream.Written()))
}

func TestMux_SendContextCanceled(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.AT.SetSilent("AT+SLOW")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.SendAndWaitContext(ctx, "AT+SLOW", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
}

func TestMux_TxLockTimeout(t *testing.T) {
	t.Parallel()

	m := newFedMux(t, nil)
	require.NoError(t, m.TxLock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.SendAndWaitContext(ctx, "AT", time.Second), ErrTxLockTimeout)

	m.TxUnlock()
	require.NoError(t, m.TxLock(context.Background()))
	m.TxUnlock()
}

func TestMux_ConcurrentSenders(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.SendAndWait("AT", time.Second)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, stream.AT.Lines(), 8)
}

func TestMux_QueryAndParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr error
		name    string
		reply   string
		prefix  string
		want    []string
	}{
		{
			name:   "single value",
			reply:  testutil.BuildQueryResponse("+CWMODE:", "1"),
			prefix: "+CWMODE:",
			want:   []string{"1"},
		},
		{
			name:   "quoted value with delimiters",
			reply:  testutil.BuildQueryResponse("+CIPSTA:", `ip:"192.168.1.2"`),
			prefix: "+CIPSTA:",
			want:   []string{"ip", `"192.168.1.2"`},
		},
		{
			name:    "missing response line",
			reply:   testutil.ReplyOK,
			prefix:  "+CWMODE:",
			wantErr: ErrMalformed,
		},
		{
			name:    "peer error",
			reply:   testutil.ReplyError,
			prefix:  "+CWMODE:",
			wantErr: &PeerError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, stream := newStreamMux(t, nil)
			stream.AT.SetReply("AT+QUERY?", tt.reply)

			args, err := m.QueryAndParse("AT+QUERY?", tt.prefix, time.Second)
			switch want := tt.wantErr.(type) {
			case nil:
				require.NoError(t, err)
				assert.Equal(t, tt.want, args)
			case *PeerError:
				require.ErrorAs(t, err, &want)
			default:
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMux_HandlerTableFirst(t *testing.T) {
	t.Parallel()

	var unsol, handler atomic.Int32
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{NewCmd("+EVT:", 1, ",", func(*Match) (int, error) {
		unsol.Add(1)
		return 0, nil
	})}
	m := newFedMux(t, cfg)

	m.SetHandlers(NewCommandSet(NewCmd("+EVT:", 1, ",", func(*Match) (int, error) {
		handler.Add(1)
		return 0, nil
	})))
	m.feed([]byte("+EVT:1\r\n"))
	assert.Equal(t, int32(1), handler.Load())
	assert.Equal(t, int32(0), unsol.Load())

	m.ClearHandlers()
	m.feed([]byte("+EVT:2\r\n"))
	assert.Equal(t, int32(1), handler.Load())
	assert.Equal(t, int32(1), unsol.Load())
}

func TestMux_MinArgsUnderflowNotRetried(t *testing.T) {
	t.Parallel()

	var got [][]string
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{NewCmd("+EVT:", 2, ",", func(mt *Match) (int, error) {
		got = append(got, mt.Args)
		return 0, nil
	})}
	m := newFedMux(t, cfg)

	m.feed([]byte("+EVT:1\r\n"))
	m.feed([]byte("2,3\r\n"))
	m.feed([]byte("4\r\n"))
	assert.Empty(t, got)
	assert.Equal(t, uint64(1), m.Counters().ParseErrors)

	m.feed([]byte("+EVT:5,6\r\n"))
	assert.Equal(t, [][]string{{"5", "6"}}, got)
	assert.Equal(t, 0, m.rx.Len())
}

func TestMux_LineMatchSeesWindowAndOffset(t *testing.T) {
	t.Parallel()

	var window string
	var offset int
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{NewCmd("+IPD:", 1, ",", func(mt *Match) (int, error) {
		window = string(mt.Window)
		offset = mt.Offset
		return 0, nil
	})}
	m := newFedMux(t, cfg)

	m.feed([]byte("+IPD:0,rest\r\nOK\r\n"))
	assert.Equal(t, "rest\r\nOK\r\n", window)
	assert.Equal(t, len("rest"), offset)
	assert.Equal(t, 0, m.rx.Len())
}

func TestMux_LongLineTruncated(t *testing.T) {
	t.Parallel()

	var line string
	cfg := &MuxConfig{RxBufferSize: 128, MatchBufferSize: 16}
	cfg.Unsolicited = []Command{NewCmdNoArgs("+LONG:", func(mt *Match) (int, error) {
		line = mt.Line
		return 0, nil
	})}
	m := newFedMux(t, cfg)

	m.feed([]byte("+LONG:" + strings.Repeat("x", 40) + "\r\nready\r\n"))
	assert.Equal(t, "+LONG:"+strings.Repeat("x", 9), line)
	require.NoError(t, m.WaitReady(context.Background(), 100*time.Millisecond))
}

func TestMux_DirectFallsThroughToLine(t *testing.T) {
	t.Parallel()

	var direct, lines atomic.Int32
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{
		NewDirectCmd("", func(*Match) (int, error) {
			direct.Add(1)
			return 0, nil
		}),
		NewCmdNoArgs("+A", func(*Match) (int, error) {
			lines.Add(1)
			return 0, nil
		}),
	}
	m := newFedMux(t, cfg)

	m.feed([]byte("+A\r\n+A\r\n"))
	assert.Equal(t, int32(2), lines.Load())
	assert.Equal(t, int32(2), direct.Load())
	assert.Equal(t, 0, m.rx.Len())
}

type subRecv struct {
	topic string
	msg   string
	id    int
}

func subRecvMux(t *testing.T) (*Mux, *[]subRecv, *atomic.Int32) {
	t.Helper()
	var events []subRecv
	var next atomic.Int32
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{
		NewLengthPrefixedCmd("+MQTT:SUBRECV:", func(id int, topic string, msg []byte) {
			events = append(events, subRecv{id: id, topic: topic, msg: string(msg)})
		}),
		NewCmdNoArgs("+NEXT", func(*Match) (int, error) {
			next.Add(1)
			return 0, nil
		}),
	}
	return newFedMux(t, cfg), &events, &next
}

func TestMux_LengthPrefixedSplitInvariance(t *testing.T) {
	t.Parallel()

	input := testutil.BuildSubRecv(3, "home/door", "open\r\nOK\r\n") + "+NEXT\r\n"
	want := []subRecv{{id: 3, topic: "home/door", msg: "open\r\nOK\r\n"}}

	for split := 1; split < len(input); split++ {
		m, events, next := subRecvMux(t)
		m.feed([]byte(input[:split]))
		m.feed([]byte(input[split:]))

		require.Equal(t, want, *events, "split at %d", split)
		require.Equal(t, int32(1), next.Load(), "split at %d", split)
		require.Equal(t, 0, m.rx.Len(), "split at %d", split)
		require.Equal(t, uint64(0), m.Counters().ParseErrors, "split at %d", split)
	}
}

func TestMux_LengthPrefixedMalformed(t *testing.T) {
	t.Parallel()

	m, events, next := subRecvMux(t)
	m.feed([]byte("+MQTT:SUBRECV:0,x,1,\"t\",m\r\n+NEXT\r\n"))

	assert.Empty(t, *events)
	assert.Equal(t, int32(1), next.Load())
	assert.Equal(t, uint64(1), m.Counters().ParseErrors)
	assert.Equal(t, 0, m.rx.Len())
}

func TestMux_LengthPrefixedJittery(t *testing.T) {
	t.Parallel()

	got := make(chan subRecv, 2)
	cfg := DefaultMuxConfig()
	cfg.Unsolicited = []Command{NewLengthPrefixedCmd("+MQTT:SUBRECV:", func(id int, topic string, msg []byte) {
		got <- subRecv{id: id, topic: topic, msg: string(msg)}
	})}

	stream := testutil.NewATStream()
	conn := testutil.NewJitteryConnection(stream, testutil.JitterConfig{Seed: 11, MaxChunk: 3, FragmentReads: true})
	m := startMux(t, conn, stream, cfg)

	stream.Inject(testutil.BuildSubRecv(0, "a", "first") + testutil.BuildSubRecv(1, "bb", "sec,ond"))

	for _, want := range []subRecv{{id: 0, topic: "a", msg: "first"}, {id: 1, topic: "bb", msg: "sec,ond"}} {
		select {
		case ev := <-got:
			assert.Equal(t, want, ev)
		case <-time.After(eventually):
			t.Fatal("event not delivered")
		}
	}
	require.Eventually(t, func() bool { return m.Counters().Direct == 2 }, eventually, tick)
}

func TestMux_SendData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup      func(r *testutil.ATResponder)
		name       string
		wantStatus Status
		wantCode   int
	}{
		{
			name: "confirmed",
			setup: func(r *testutil.ATResponder) {
				r.SetDataReply("AT+CIPSEND=0,5", 5, testutil.ReplyOK+">", "\r\nRecv 5 bytes\r\n", "\r\nSEND OK\r\n")
			},
			wantStatus: StatusOK,
		},
		{
			name: "count mismatch",
			setup: func(r *testutil.ATResponder) {
				r.SetDataReply("AT+CIPSEND=0,5", 5, testutil.ReplyOK+">", "\r\nRecv 4 bytes\r\n")
			},
			wantStatus: StatusPeerError,
			wantCode:   CodeCountMismatch,
		},
		{
			name: "command rejected",
			setup: func(r *testutil.ATResponder) {
				r.SetReply("AT+CIPSEND=0,5", testutil.ReplyError)
			},
			wantStatus: StatusPeerError,
			wantCode:   CodeGeneric,
		},
		{
			name: "no prompt",
			setup: func(r *testutil.ATResponder) {
				r.SetReply("AT+CIPSEND=0,5", testutil.ReplyOK)
			},
			wantStatus: StatusTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, stream := newStreamMux(t, nil)
			tt.setup(stream.AT)

			err := m.SendData(context.Background(), "AT+CIPSEND=0,5", []byte("hello"), 200*time.Millisecond)
			require.Equal(t, tt.wantStatus, StatusOf(err), "err: %v", err)
			if tt.wantCode != 0 {
				pe, ok := IsPeerError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantCode, pe.Code)
			}
			if tt.wantStatus == StatusOK {
				assert.Equal(t, []byte("hello"), stream.AT.Payloads())
			}

			// handlers are gone and the lock is free
			require.NoError(t, m.SendAndWait("AT", time.Second))
		})
	}
}

func TestMux_SetupCommands(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.AT.SetReply("ATE0", testutil.ReplyOK)

	var mode string
	cmds := []SetupCommand{
		{Line: "AT"},
		{Line: "ATE0"},
		{Line: "AT+CWMODE?", Handler: NewCmd("+CWMODE:", 1, ",", func(mt *Match) (int, error) {
			mode = mt.Arg(0)
			return 0, nil
		})},
		{Line: "AT+NEVER"},
	}
	stream.AT.SetReply("AT+CWMODE?", testutil.BuildQueryResponse("+CWMODE:", "3"))
	stream.AT.SetReply("AT+NEVER", testutil.ReplyOK)

	require.NoError(t, m.SetupCommands(context.Background(), cmds, time.Second))
	assert.Equal(t, "3", mode)

	failing := []SetupCommand{{Line: "AT"}, {Line: "AT+BAD"}, {Line: "AT+NEVER"}}
	err := m.SetupCommands(context.Background(), failing, time.Second)
	require.Equal(t, StatusPeerError, StatusOf(err))

	lines := stream.AT.Lines()
	assert.Equal(t, "AT+BAD", lines[len(lines)-1])
}

func TestMux_Overflow(t *testing.T) {
	t.Parallel()

	m := newFedMux(t, &MuxConfig{RxBufferSize: 64, MatchBufferSize: 32})
	m.feed([]byte(strings.Repeat("x", 100)))
	assert.Equal(t, uint64(1), m.Counters().Overflows)

	m.feed([]byte("\r\nready\r\n"))
	require.NoError(t, m.WaitReady(context.Background(), 100*time.Millisecond))
	assert.Equal(t, 0, m.rx.Len())
}

func TestMux_Ready(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.Inject(testutil.ReplyReady)
	require.NoError(t, m.WaitReady(context.Background(), time.Second))

	err := m.WaitReady(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestMux_RunTwice(t *testing.T) {
	t.Parallel()

	m, _ := newStreamMux(t, nil)
	require.Eventually(t, m.Running, eventually, tick)
	require.ErrorIs(t, m.Run(context.Background()), ErrMuxRunning)
}

func TestMux_TraceRecordsTraffic(t *testing.T) {
	t.Parallel()

	m, stream := newStreamMux(t, nil)
	stream.AT.SetReply("AT+GMR", "\r\nv1.0\r\n", testutil.ReplyOK)
	require.NoError(t, m.SendAndWait("AT+GMR", time.Second))

	var dirs []TraceDirection
	var data []string
	for _, e := range m.Trace().Entries() {
		dirs = append(dirs, e.Direction)
		data = append(data, string(e.Data))
	}
	assert.Equal(t, []TraceDirection{TraceTX, TraceRX, TraceRX}, dirs)
	assert.Equal(t, []string{"AT+GMR", "v1.0", "OK"}, data)
}
