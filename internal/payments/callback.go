package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const (
	callbackStatusField      = "pay_status"
	callbackTransactionField = "mer_txnid"
	statusSuccessful         = "Successful"
	maxCallbackBodySize      = 256 << 10
)

// ErrInvalidCallback indicates the gateway callback could not be decoded or lacks a reference.
var ErrInvalidCallback = errors.New("payments: invalid callback")

// Callback is the settlement notification posted back by the gateway.
type Callback struct {
	TransactionID string
	PayStatus     string
	// Payload keeps every field verbatim for the audit trail.
	Payload map[string]string
}

// Successful reports whether the gateway marked the transaction as paid.
func (c Callback) Successful() bool {
	return strings.TrimSpace(c.PayStatus) == statusSuccessful
}

// ParseCallback decodes a form-encoded or JSON callback body.
func ParseCallback(r *http.Request) (Callback, error) {
	if r == nil || r.Body == nil {
		return Callback{}, fmt.Errorf("%w: empty request", ErrInvalidCallback)
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodySize))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: read body: %v", ErrInvalidCallback, err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var payload map[string]string
	switch mediaType {
	case "application/json":
		payload, err = decodeJSONPayload(raw)
	default:
		payload, err = decodeFormPayload(raw)
	}
	if err != nil {
		return Callback{}, err
	}
	return CallbackFromPayload(payload)
}

// CallbackFromPayload builds a Callback from already decoded fields.
func CallbackFromPayload(payload map[string]string) (Callback, error) {
	txn := strings.TrimSpace(payload[callbackTransactionField])
	if txn == "" {
		return Callback{}, fmt.Errorf("%w: %s is required", ErrInvalidCallback, callbackTransactionField)
	}
	return Callback{
		TransactionID: txn,
		PayStatus:     strings.TrimSpace(payload[callbackStatusField]),
		Payload:       payload,
	}, nil
}

func decodeFormPayload(raw []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode form: %v", ErrInvalidCallback, err)
	}
	payload := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		payload[key] = vals[0]
	}
	return payload, nil
}

func decodeJSONPayload(raw []byte) (map[string]string, error) {
	// UseNumber keeps amounts in their posted form instead of float64 notation.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic map[string]any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCallback, err)
	}
	payload := make(map[string]string, len(generic))
	for key, value := range generic {
		switch v := value.(type) {
		case nil:
			payload[key] = ""
		case string:
			payload[key] = v
		case json.Number:
			payload[key] = v.String()
		case bool:
			payload[key] = fmt.Sprint(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			payload[key] = string(encoded)
		}
	}
	return payload, nil
}
