package readiness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

// TCP succeeds once Addr accepts a connection.
type TCP struct {
	Addr    string
	Timeout time.Duration
}

func (p TCP) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTP succeeds once URL answers with an accepted status. Method defaults to
// HEAD and Accept to status 200 only.
type HTTP struct {
	URL    string
	Method string
	Client *http.Client
	Accept func(status int) bool
}

func (p HTTP) Check(ctx context.Context) error {
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	accept := p.Accept
	if accept == nil {
		accept = func(status int) bool { return status == http.StatusOK }
	}
	if !accept(resp.StatusCode) {
		return fmt.Errorf("%s %s: status %d", method, p.URL, resp.StatusCode)
	}
	return nil
}

// DNS succeeds once Server answers Name with at least one record of Type
// (default A).
type DNS struct {
	Name   string
	Server string
	Type   uint16
	Client *dns.Client
}

func (p DNS) Check(ctx context.Context) error {
	qtype := p.Type
	if qtype == 0 {
		qtype = dns.TypeA
	}
	client := p.Client
	if client == nil {
		client = &dns.Client{Timeout: 2 * time.Second}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.Name), qtype)
	m.RecursionDesired = true

	r, _, err := client.ExchangeContext(ctx, m, p.Server)
	if err != nil {
		return fmt.Errorf("dns query %s: %w", p.Name, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dns query %s: %s", p.Name, dns.RcodeToString[r.Rcode])
	}
	for _, rr := range r.Answer {
		if rr.Header().Rrtype == qtype || rr.Header().Rrtype == dns.TypeCNAME {
			return nil
		}
	}
	return fmt.Errorf("dns query %s: no %s records", p.Name, dns.TypeToString[qtype])
}

// All runs probes in order and fails on the first failure.
func All(probes ...Probe) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
