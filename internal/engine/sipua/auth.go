package sipua

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const maxAuthAttempts = 5

var errNoCredentials = errors.New("server required auth, but no username or password was provided")

func isAuthChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}

// authorize answers a 401/407 challenge to req and returns the header to
// add to the retried request.
func authorize(req *sip.Request, resp *sip.Response, user, pass string) (name, value string, err error) {
	var challengeName string
	switch resp.StatusCode {
	case sip.StatusUnauthorized:
		challengeName, name = "WWW-Authenticate", "Authorization"
	case sip.StatusProxyAuthRequired:
		challengeName, name = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return "", "", fmt.Errorf("status %d is not an auth challenge", resp.StatusCode)
	}
	if user == "" || pass == "" {
		return "", "", errNoCredentials
	}

	hdr := resp.GetHeader(challengeName)
	if hdr == nil {
		return "", "", fmt.Errorf("no %s header in response", challengeName)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", "", fmt.Errorf("invalid challenge %q: %w", hdr.Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		return "", "", fmt.Errorf("compute digest: %w", err)
	}
	return name, cred.String(), nil
}

// roundTrip sends req as a client transaction and returns the first final response.
func (e *Engine) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s transaction ended without a final response", req.Method)
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s: no response received", req.Method)
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		}
	}
}
