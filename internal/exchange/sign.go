// sign.go implements request signing for the account and trading endpoints.
//
// Signed endpoints require an HMAC-SHA256 signature of the exact query
// string sent on the wire, hex encoded and appended as the signature
// parameter, plus the API key in the X-MBX-APIKEY header. A timestamp
// parameter (unix millis) and optional recvWindow bound how long the venue
// will accept the request.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Param is one query parameter. Params keep insertion order because the
// signature covers the serialized string byte for byte.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered query parameter list.
type Params []Param

// With appends a parameter and returns the extended list.
func (p Params) With(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode serializes the parameters in order, percent-escaping values.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// Signer holds the API credentials and stamps signed query strings.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow int
	now        func() time.Time
}

// NewSigner creates a signer. recvWindowMs of 0 omits the recvWindow
// parameter and leaves the venue default in force.
func NewSigner(apiKey, apiSecret string, recvWindowMs int) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(apiSecret),
		recvWindow: recvWindowMs,
		now:        time.Now,
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign returns the hex HMAC-SHA256 of payload under the API secret.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignQuery appends timestamp (and recvWindow when configured) to the
// given parameters, signs the serialized string, and returns it with the
// trailing signature parameter ready to send.
func (s *Signer) SignQuery(p Params) string {
	if s.recvWindow > 0 {
		p = p.With("recvWindow", strconv.Itoa(s.recvWindow))
	}
	p = p.With("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	query := p.Encode()
	return query + "&signature=" + s.Sign(query)
}
