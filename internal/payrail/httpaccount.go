package payrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds one wallet-service round trip
const DefaultRequestTimeout = 30 * time.Second

// HTTPAccount is an Account backed by a testnet wallet service. The
// service holds no funds; it signs with the key material we pass it and
// broadcasts to the testnet, mirroring a hosted-wallet API.
type HTTPAccount struct {
	baseURL string
	key     string
	address string
	client  *http.Client
}

// Compile-time interface check
var _ Account = (*HTTPAccount)(nil)

// NewHTTPAccount creates an account for one signing key and resolves its
// rail address from the wallet service.
func NewHTTPAccount(ctx context.Context, baseURL, key string) (*HTTPAccount, error) {
	a := &HTTPAccount{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := a.post(ctx, "/api/address", map[string]string{"key": key}, &resp); err != nil {
		return nil, fmt.Errorf("payrail: failed to resolve address: %w", err)
	}
	if resp.Address == "" {
		return nil, fmt.Errorf("payrail: wallet service returned empty address")
	}
	a.address = resp.Address
	return a, nil
}

// Address returns the account's rail address
func (a *HTTPAccount) Address() string {
	return a.address
}

// Balance returns the account balance in the given currency
func (a *HTTPAccount) Balance(ctx context.Context, currency string) (string, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	req := map[string]string{"address": a.address, "currency": currency}
	if err := a.post(ctx, "/api/balance", req, &resp); err != nil {
		return "", fmt.Errorf("payrail: balance query failed: %w", err)
	}
	return resp.Balance, nil
}

// Send signs and broadcasts a transfer to the given address
func (a *HTTPAccount) Send(ctx context.Context, toAddress, amount, currency string) (string, error) {
	var resp struct {
		TxID  string `json:"txid"`
		Error string `json:"error"`
	}
	req := map[string]string{
		"key":      a.key,
		"to":       toAddress,
		"amount":   amount,
		"currency": currency,
	}
	if err := a.post(ctx, "/api/send", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("payrail: wallet service rejected send: %s", resp.Error)
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("payrail: wallet service returned no txid")
	}
	return resp.TxID, nil
}

func (a *HTTPAccount) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

// LoadWalletInfo reads the two-line wallet record: buyer signing key on
// the first line, seller signing key on the second. Read-only input,
// produced by the wallet provisioning tool.
func LoadWalletInfo(path string) (buyerKey, sellerKey string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("payrail: failed to read wallet info %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return "", "", fmt.Errorf("payrail: wallet info must have a buyer line and a seller line")
	}
	buyerKey = strings.TrimSpace(lines[0])
	sellerKey = strings.TrimSpace(lines[1])
	if buyerKey == "" || sellerKey == "" {
		return "", "", fmt.Errorf("payrail: wallet info contains an empty key")
	}
	return buyerKey, sellerKey, nil
}
