package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

// DoRaw is Do plus access to the response attachment: the JSON part of
// the response body is decoded into out (if non-nil) and the raw
// attachment bytes, if any, are stored into *attachment.
func (rp ReqParams) DoRaw(ctx context.Context, out any, attachment *[]byte) error {
	body, _, err := rp.marshalRequest()
	if err != nil {
		return errors.Wrap(err, "marshaling request body")
	}

	u := strings.TrimRight(rp.BaseURL, "/") + rp.Path
	if len(rp.Query) > 0 {
		u += "?" + rp.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, rp.Method, u, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if rp.Token != "" {
		req.Header.Set(tokenHeader, rp.Token)
	}

	resp, err := rp.client().Do(req)
	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusToError(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	jsonPart, att, err := splitAttachment(respBody)
	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}
	if out != nil && len(jsonPart) > 0 {
		if err := json.Unmarshal(jsonPart, out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	if attachment != nil {
		*attachment = att
	}
	return nil
}

// Request is a parsed inbound RPC: the token header, the JSON part of the
// body, and the attachment if the caller framed one in.
type Request struct {
	Token      string
	PeerIP     string
	Body       []byte
	Attachment []byte
}

// ParseRequest splits an inbound request into its token, JSON body and
// attachment, and extracts the peer's IP from the connection.
func ParseRequest(r *http.Request) (*Request, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransport, err.Error())
	}
	body, attachment, err := splitAttachment(raw)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return &Request{
		Token:      r.Header.Get(tokenHeader),
		PeerIP:     host,
		Body:       body,
		Attachment: attachment,
	}, nil
}

// Decode unmarshals the request's JSON body into out.
func (rq *Request) Decode(out any) error {
	if len(rq.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(rq.Body, out); err != nil {
		return errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	return nil
}

// WriteJSON writes body as a JSON response, appending attachment (if
// non-empty) in the same framing the client side understands.
func WriteJSON(w http.ResponseWriter, body any, attachment []byte) {
	buf, err := json.Marshal(body)
	if err != nil {
		nlog.Errorf("Marshaling response: %v.", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(attachment) > 0 {
		buf = appendAttachment(buf, attachment)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// WriteError maps err's model error kind onto an HTTP status and writes
// the error text as the body.
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorToStatus(err))
}

func errorToStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoQuotaAvailable):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrEnvironmentNotAvailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
