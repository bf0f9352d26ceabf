// Package transport implements the cluster's wire protocol: plain
// JSON-over-HTTP requests/responses, with an optional raw attachment
// (a cache entry's bytes, a compiler's output files) carried alongside the
// JSON body the way aistore's control-plane RPCs carry an object's data
// alongside its metadata.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BaseParams carries the connection-level settings shared by every
// request to one server: its base URL, the *http.Client to use, and the
// bearer token to attach.
type BaseParams struct {
	BaseURL string
	Client  *http.Client
	Token   string
}

func (bp BaseParams) client() *http.Client {
	if bp.Client != nil {
		return bp.Client
	}
	return http.DefaultClient
}

// ReqParams describes one request: method, path, query, an optional JSON
// body, and an optional raw attachment appended after it.
type ReqParams struct {
	BaseParams
	Method     string
	Path       string
	Query      url.Values
	Body       any
	Attachment []byte
}

const tokenHeader = "X-Yadcc-Token"

// Do issues the request and, if out is non-nil, decodes the JSON
// response body into it. A non-2xx response is translated into one of
// the model error kinds based on status code.
func (rp ReqParams) Do(ctx context.Context, out any) error {
	body, attachment, err := rp.marshalRequest()
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
	if attachment != nil {
		req.Header.Set(attachmentSizeHeader, strconv.Itoa(len(rp.Attachment)))
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

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	return nil
}

// marshalRequest renders rp.Body and rp.Attachment into the wire framing
// written by appendAttachment: the JSON body, then if an attachment is
// present, attachmentMarker, the attachment's decimal length and "\r\n",
// followed by the raw bytes.
func (rp ReqParams) marshalRequest() (body []byte, attachment []byte, err error) {
	if rp.Body != nil {
		body, err = json.Marshal(rp.Body)
		if err != nil {
			return nil, nil, err
		}
	} else {
		body = []byte("{}")
	}
	if len(rp.Attachment) > 0 {
		attachment = rp.Attachment
		body = appendAttachment(body, attachment)
	}
	return body, attachment, nil
}

// attachmentSizeHeader tells the server how many trailing bytes of the
// body (after the frame marker) are the raw attachment rather than JSON.
const attachmentSizeHeader = "X-Yadcc-Attachment-Size"

// attachmentMarker separates the JSON body from the attachment frame.
// "\r\n--yadcc-attachment--\r\n" can't validly appear inside compact
// JSON text, so a byte scan for it is unambiguous.
const attachmentMarker = "\r\n--yadcc-attachment--\r\n"

func appendAttachment(jsonBody, attachment []byte) []byte {
	var buf bytes.Buffer
	buf.Write(jsonBody)
	buf.WriteString(attachmentMarker)
	fmt.Fprintf(&buf, "%d\r\n", len(attachment))
	buf.Write(attachment)
	return buf.Bytes()
}

// splitAttachment reverses appendAttachment, used by the server side.
func splitAttachment(raw []byte) (jsonBody, attachment []byte, err error) {
	idx := bytes.Index(raw, []byte(attachmentMarker))
	if idx < 0 {
		return raw, nil, nil
	}
	jsonBody = raw[:idx]
	rest := raw[idx+len(attachmentMarker):]

	sep := bytes.Index(rest, []byte("\r\n"))
	if sep < 0 {
		return nil, nil, errors.New("malformed attachment frame: missing length line")
	}
	size, err := strconv.Atoi(string(rest[:sep]))
	if err != nil {
		return nil, nil, errors.Wrap(err, "malformed attachment frame: bad length")
	}
	attachment = rest[sep+2:]
	if len(attachment) != size {
		return nil, nil, errors.Errorf("attachment frame size mismatch: header says %d, got %d", size, len(attachment))
	}
	return jsonBody, attachment, nil
}

func statusToError(code int, msg string) error {
	var kind error
	switch code {
	case http.StatusForbidden, http.StatusUnauthorized:
		kind = model.ErrAccessDenied
	case http.StatusBadRequest:
		kind = model.ErrInvalidArgument
	case http.StatusNotFound:
		kind = model.ErrNotFound
	case http.StatusTooManyRequests:
		kind = model.ErrNoQuotaAvailable
	case http.StatusNotImplemented:
		kind = model.ErrEnvironmentNotAvailable
	case http.StatusServiceUnavailable:
		kind = model.ErrUnavailable
	default:
		kind = model.ErrTransport
	}
	if msg == "" {
		return kind
	}
	return errors.Wrap(kind, msg)
}

// DefaultTimeout is used by NewBaseParams when the caller doesn't supply
// its own *http.Client.
const DefaultTimeout = 30 * time.Second

// NewBaseParams builds BaseParams with a client using DefaultTimeout.
func NewBaseParams(baseURL, token string) BaseParams {
	return BaseParams{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: DefaultTimeout},
		Token:   token,
	}
}
