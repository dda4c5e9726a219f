package readiness

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.NoError(t, TCP{Addr: addr}.Check(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, TCP{Addr: addr}.Check(context.Background()))
}

func TestHTTPProbe(t *testing.T) {
	status := http.StatusNotFound
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	probe := HTTP{URL: srv.URL, Client: srv.Client()}

	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	status = http.StatusOK
	require.NoError(t, probe.Check(context.Background()))
	assert.Equal(t, []string{http.MethodHead, http.MethodHead}, methods)

	status = http.StatusUnauthorized
	lenient := HTTP{URL: srv.URL, Method: http.MethodGet, Client: srv.Client(), Accept: func(s int) bool { return s < 500 }}
	require.NoError(t, lenient.Check(context.Background()))
	assert.Equal(t, http.MethodGet, methods[len(methods)-1])
}

func startDNSServer(t *testing.T, records map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			if rec, ok := records[r.Question[0].Name]; ok {
				rr, err := dns.NewRR(rec)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSProbe(t *testing.T) {
	server := startDNSServer(t, map[string]string{
		"my-app.vercel.app.": "my-app.vercel.app. 60 IN A 76.76.21.21",
	})

	tests := []struct {
		name    string
		host    string
		wantErr string
	}{
		{name: "resolves", host: "my-app.vercel.app"},
		{name: "fqdn input", host: "my-app.vercel.app."},
		{name: "nxdomain", host: "missing.vercel.app", wantErr: "NXDOMAIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DNS{Name: tt.host, Server: server}.Check(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAll(t *testing.T) {
	var order []string
	ok := func(name string) Probe {
		return ProbeFunc(func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	fail := ProbeFunc(func(context.Context) error {
		order = append(order, "fail")
		return assert.AnError
	})

	require.NoError(t, All(ok("a"), ok("b")).Check(context.Background()))
	require.ErrorIs(t, All(ok("c"), fail, ok("d")).Check(context.Background()), assert.AnError)
	assert.Equal(t, []string{"a", "b", "c", "fail"}, order)
}
