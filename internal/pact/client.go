package pact

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/httpx"
)

const DefaultBaseURL = "https://api.testnet.chainweb.com/chainweb/0.0"

// Client talks to the Pact API of one Chainweb deployment. Local uses the
// retrying client; Send and Poll never retry and Listen is bounded only by ctx.
type Client struct {
	read    *httpx.Client
	send    *httpx.Client
	listen  *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		read:    httpClient,
		send:    httpClient.NoRetry(),
		listen:  httpClient.NoRetry().WithoutTimeout(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Endpoint builds {base}/{networkId}/chain/{chainId}/pact/api/v1/{endpoint}.
func (c *Client) Endpoint(networkID, chainID, endpoint string) string {
	return fmt.Sprintf("%s/%s/chain/%s/pact/api/v1/%s",
		c.baseURL,
		url.PathEscape(strings.TrimSpace(networkID)),
		url.PathEscape(strings.TrimSpace(chainID)),
		strings.TrimLeft(endpoint, "/"),
	)
}

// Local runs tx against current state without broadcasting it. Unsigned
// transactions are sent with signature verification disabled.
func (c *Client) Local(ctx context.Context, networkID, chainID string, tx Transaction) (CommandResult, error) {
	endpoint := c.Endpoint(networkID, chainID, "local")
	if tx.Unsigned() {
		endpoint += "?signatureVerification=false"
	}
	var out CommandResult
	if err := httpx.PostJSON(ctx, c.read, endpoint, tx, &out); err != nil {
		return CommandResult{}, err
	}
	return out, nil
}

type sendRequest struct {
	Cmds []Transaction `json:"cmds"`
}

type sendResponse struct {
	RequestKeys []string `json:"requestKeys"`
	RequestKey  string   `json:"requestKey"`
}

// Send broadcasts one signed transaction and returns its request key.
func (c *Client) Send(ctx context.Context, networkID, chainID string, tx Transaction) (string, error) {
	var out sendResponse
	if err := httpx.PostJSON(ctx, c.send, c.Endpoint(networkID, chainID, "send"), sendRequest{Cmds: []Transaction{tx}}, &out); err != nil {
		return "", err
	}
	key := out.RequestKey
	if len(out.RequestKeys) > 0 {
		key = out.RequestKeys[0]
	}
	if strings.TrimSpace(key) == "" {
		return "", clierr.New(clierr.CodeRemote, "send response carried no request key")
	}
	return key, nil
}

type pollRequest struct {
	RequestKeys []string `json:"requestKeys"`
}

// Poll returns the results known for keys. Keys still in flight are absent.
// A failed poll is returned as is so the caller's wait loop stops on it.
func (c *Client) Poll(ctx context.Context, networkID, chainID string, keys []string) (map[string]CommandResult, error) {
	out := map[string]CommandResult{}
	if err := httpx.PostJSON(ctx, c.send, c.Endpoint(networkID, chainID, "poll"), pollRequest{RequestKeys: keys}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type listenRequest struct {
	Listen string `json:"listen"`
}

// Listen blocks until the node reports a result for key or ctx ends.
func (c *Client) Listen(ctx context.Context, networkID, chainID, key string) (CommandResult, error) {
	var out CommandResult
	if err := httpx.PostJSON(ctx, c.listen, c.Endpoint(networkID, chainID, "listen"), listenRequest{Listen: key}, &out); err != nil {
		return CommandResult{}, err
	}
	return out, nil
}
