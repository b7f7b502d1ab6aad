package apigw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"

	"assistant-relay/internal/domain"
)

// ErrConnectionGone reports that the client has disconnected.
var ErrConnectionGone = domain.ErrConnectionGone

// managementAPI is the minimal API Gateway Management API surface required
// by Client. *apigatewaymanagementapi.Client satisfies it.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Client posts payloads to live WebSocket connections.
type Client struct {
	api managementAPI
}

func New(api managementAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("apigw: api must not be nil")
	}
	return &Client{api: api}, nil
}

// NewFromConfig builds a Client for the WebSocket stage at endpoint, e.g.
// https://{api-id}.execute-api.{region}.amazonaws.com/{stage}.
func NewFromConfig(cfg aws.Config, endpoint string) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("apigw: endpoint must not be empty")
	}
	api := apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return New(api)
}

// Send delivers one message to connectionID.
func (c *Client) Send(ctx context.Context, connectionID string, data []byte) error {
	if strings.TrimSpace(connectionID) == "" {
		return errors.New("apigw: connection id must not be empty")
	}
	_, err := c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err != nil {
		var gone *types.GoneException
		if errors.As(err, &gone) {
			return fmt.Errorf("apigw: post to connection %s: %w", connectionID, ErrConnectionGone)
		}
		return fmt.Errorf("apigw: post to connection %s: %w", connectionID, err)
	}
	return nil
}
