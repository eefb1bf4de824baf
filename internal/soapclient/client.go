// Package soapclient implements the retrying SOAP/HTTPS transport shared
// by the authentication and sync protocol engines: every upstream call is
// an XML envelope POSTed over HTTPS, classified into a typed error on
// failure, and retried with backoff when the failure looks transient.
package soapclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/operator-framework/wssync/internal/wssyncerrs"
)

// Client POSTs SOAP envelopes to a single endpoint and retries transient
// failures with exponential backoff.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	Log        logr.Logger

	// NewBackOff returns a fresh backoff policy for one logical call.
	// Defaults to 1s..30s exponential backoff that stops retrying once the
	// backoff library's default 15-minute MaxElapsedTime has passed, or
	// earlier when ctx is done.
	NewBackOff func() backoff.BackOff
}

// New returns a Client with the default backoff policy.
func New(endpoint string, httpClient *http.Client, log logr.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: httpClient,
		Log:        log,
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	return b
}

// envelope is the minimal SOAP 1.2 wrapper used for every wssync method
// call: a single named body element carrying the request or response
// payload verbatim.
type envelope struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Body    envBody  `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

type envBody struct {
	Content []byte `xml:",innerxml"`
}

type fault struct {
	Code   string `xml:"Code>Value"`
	Reason string `xml:"Reason>Text"`
}

// Call POSTs method with the given request payload and decodes the SOAP
// body into response. request is the already-serialized XML fragment for
// the method's wire element (typically produced by xml.Marshal in the
// caller); response is a pointer that the body element is xml.Unmarshal-ed
// into.
func (c *Client) Call(ctx context.Context, method string, request []byte, response any) error {
	op := backoff.WithContext(c.backOff(), ctx)
	return backoff.RetryNotify(func() error {
		err := c.callOnce(ctx, method, request, response)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, op, func(err error, wait time.Duration) {
		c.Log.V(1).Info("retrying soap call", "method", method, "wait", wait, "error", err.Error())
	})
}

func (c *Client) backOff() backoff.BackOff {
	if c.NewBackOff != nil {
		return c.NewBackOff()
	}
	return defaultBackOff()
}

func (c *Client) callOnce(ctx context.Context, method string, request []byte, response any) error {
	body, err := xml.Marshal(envelope{Body: envBody{Content: request}})
	if err != nil {
		return fmt.Errorf("soapclient: marshaling request for %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &wssyncerrs.EndpointNotFound{Endpoint: c.Endpoint, Cause: err}
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", method)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &wssyncerrs.EndpointNotFound{Endpoint: c.Endpoint, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("soapclient: reading response for %s: %w", method, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return classifyFault(raw, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &wssyncerrs.UpstreamServerError{Code: fmt.Sprintf("http-%d", resp.StatusCode), Fault: string(raw)}
	}

	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("soapclient: decoding envelope for %s: %w", method, err)
	}

	if f := tryDecodeFault(env.Body.Content); f != nil {
		return classifyFaultValue(*f)
	}

	if response == nil {
		return nil
	}
	if err := xml.Unmarshal(env.Body.Content, response); err != nil {
		return fmt.Errorf("soapclient: decoding body for %s: %w", method, err)
	}
	return nil
}

func classifyFault(raw []byte, statusCode int) error {
	if f := tryDecodeFault(raw); f != nil {
		return classifyFaultValue(*f)
	}
	return &wssyncerrs.UpstreamServerError{Code: fmt.Sprintf("http-%d", statusCode), Fault: string(raw)}
}

func tryDecodeFault(raw []byte) *fault {
	var f fault
	if err := xml.Unmarshal(raw, &f); err != nil || f.Code == "" {
		return nil
	}
	return &f
}

func classifyFaultValue(f fault) error {
	switch f.Code {
	case "InvalidAuthorizationCookie", "soap:Sender.InvalidAuthorizationCookie":
		return &wssyncerrs.InvalidAuthorizationCookie{Fault: f.Reason}
	default:
		return &wssyncerrs.UpstreamServerError{Code: f.Code, Fault: f.Reason}
	}
}

// isRetryable reports whether err represents a transient condition worth
// retrying: connectivity failures and generic upstream server errors.
// InvalidAuthorizationCookie is never retried here; the caller restarts
// the token flow instead.
func isRetryable(err error) bool {
	switch err.(type) {
	case *wssyncerrs.EndpointNotFound, *wssyncerrs.UpstreamServerError:
		return true
	default:
		return false
	}
}
