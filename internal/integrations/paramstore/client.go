package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretGetter is the interface consumers (the OpenAI client) depend on.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

var _ SecretGetter = (*Client)(nil)

// secretPayload is the optional JSON envelope for stored credentials.
type secretPayload struct {
	Token string `json:"token"`
}

// Client reads decrypted SecureString parameters from SSM.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of the named parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// GetSecret returns a credential string. The stored value is either the raw
// credential or a JSON object of the form {"token": "..."}.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(raw)
	if strings.HasPrefix(secret, "{") {
		var p secretPayload
		if err := json.Unmarshal([]byte(secret), &p); err != nil {
			return "", fmt.Errorf("paramstore: unmarshal secret %q as JSON: %w", name, err)
		}
		secret = strings.TrimSpace(p.Token)
	}
	if secret == "" {
		return "", fmt.Errorf("paramstore: secret %q is empty", name)
	}
	return secret, nil
}
