package custody

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

// FireblocksConfig configures the REST client.
type FireblocksConfig struct {
	BaseURL        string
	APIKey         string
	PrivateKey     *rsa.PrivateKey
	VaultID        string
	CompanyVaultID string
	// AssetIDs maps ledger assets to provider asset ids.
	AssetIDs map[string]string
	Timeout  time.Duration
}

// FireblocksClient talks to a Fireblocks-style custody API. Every request
// carries a short-lived RS256 JWT binding the URI and body hash.
type FireblocksClient struct {
	cfg    FireblocksConfig
	client *http.Client
	now    func() time.Time
}

var defaultAssetIDs = map[string]string{
	"BTC":          "BTC",
	"USDC":         "USDC",
	"USDC_COMPANY": "USDC",
}

// LoadRSAPrivateKey reads a PEM-encoded RSA key from path.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read custody signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse custody signing key: %w", err)
	}
	return key, nil
}

func NewFireblocksClient(cfg FireblocksConfig) (*FireblocksClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("custody base url is required")
	}
	if cfg.APIKey == "" || cfg.PrivateKey == nil {
		return nil, errors.New("custody api key and signing key are required")
	}
	if cfg.VaultID == "" {
		return nil, errors.New("custody vault id is required")
	}
	if cfg.CompanyVaultID == "" {
		cfg.CompanyVaultID = cfg.VaultID
	}
	if cfg.AssetIDs == nil {
		cfg.AssetIDs = defaultAssetIDs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &FireblocksClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}, nil
}

type fbPeer struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	OneTimeAddress *fbOneTimeAddr `json:"oneTimeAddress,omitempty"`
}

type fbOneTimeAddr struct {
	Address string `json:"address"`
}

type fbCreateTx struct {
	AssetID      string `json:"assetId"`
	Source       fbPeer `json:"source"`
	Destination  fbPeer `json:"destination"`
	Amount       string `json:"amount"`
	ExternalTxID string `json:"externalTxId"`
	Note         string `json:"note,omitempty"`
}

type fbTx struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SubStatus    string `json:"subStatus"`
	TxHash       string `json:"txHash"`
	ExternalTxID string `json:"externalTxId"`
}

type fbVaultAsset struct {
	ID    string `json:"id"`
	Total string `json:"total"`
}

type fbError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *FireblocksClient) SendAsset(ctx context.Context, req TransferRequest) (Transfer, error) {
	assetID, err := c.assetID(req.Asset)
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body := fbCreateTx{
		AssetID:      assetID,
		Source:       fbPeer{Type: "VAULT_ACCOUNT", ID: c.vaultFor(req.Asset)},
		Destination:  fbPeer{Type: "ONE_TIME_ADDRESS", OneTimeAddress: &fbOneTimeAddr{Address: req.Destination}},
		Amount:       req.Amount.String(),
		ExternalTxID: req.ExternalID,
		Note:         req.Note,
	}
	var created fbTx
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", body, &created); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.definite() {
			return Transfer{}, &RejectionError{Status: se.status, Reason: se.Error()}
		}
		return Transfer{}, err
	}
	return c.toTransfer(created, req.ExternalID), nil
}

func (c *FireblocksClient) LookupTransfer(ctx context.Context, externalID string) (Transfer, error) {
	var tx fbTx
	err := c.do(ctx, http.MethodGet, "/v1/transactions/external_tx_id/"+url.PathEscape(externalID), nil, &tx)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return Transfer{ExternalID: externalID, State: StateNotFound}, nil
	}
	if err != nil {
		return Transfer{}, err
	}
	return c.toTransfer(tx, externalID), nil
}

func (c *FireblocksClient) OnchainBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	assetID, err := c.assetID(asset)
	if err != nil {
		return decimal.Zero, err
	}
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s", url.PathEscape(c.vaultFor(asset)), url.PathEscape(assetID))
	var va fbVaultAsset
	if err := c.do(ctx, http.MethodGet, path, nil, &va); err != nil {
		return decimal.Zero, err
	}
	total, err := decimal.NewFromString(va.Total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse vault balance %q: %w", va.Total, err)
	}
	return total, nil
}

func (c *FireblocksClient) assetID(asset string) (string, error) {
	id, ok := c.cfg.AssetIDs[asset]
	if !ok {
		return "", fmt.Errorf("no custody asset id configured for %s", asset)
	}
	return id, nil
}

func (c *FireblocksClient) vaultFor(asset string) string {
	if asset == "USDC_COMPANY" {
		return c.cfg.CompanyVaultID
	}
	return c.cfg.VaultID
}

func (c *FireblocksClient) toTransfer(tx fbTx, externalID string) Transfer {
	t := Transfer{
		ProviderID: tx.ID,
		ExternalID: externalID,
		State:      NormalizeState(tx.Status),
		TxHash:     tx.TxHash,
	}
	if t.State == StateFailed {
		t.Reason = strings.TrimSpace(tx.Status + " " + tx.SubStatus)
	}
	return t
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("custody api returned %d: %s", e.status, e.message)
}

// definite reports a 4xx that means the request was refused as sent.
// Timeouts, conflicts and throttling may still hide an executed request.
func (e *statusError) definite() bool {
	switch e.status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return e.status >= 400 && e.status < 500
}

func (c *FireblocksClient) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal custody request: %v", ErrUnavailable, err)
		}
	}

	token, err := c.sign(path, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build custody request: %v", ErrUnavailable, err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey(payload))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("custody %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read custody response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var fe fbError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &fe) == nil && fe.Message != "" {
			msg = fe.Message
		}
		return &statusError{status: resp.StatusCode, message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode custody response: %w", err)
	}
	return nil
}

type signClaims struct {
	URI      string `json:"uri"`
	Nonce    string `json:"nonce"`
	BodyHash string `json:"bodyHash"`
	jwt.RegisteredClaims
}

func (c *FireblocksClient) sign(path string, body []byte) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	hash := sha256.Sum256(body)
	now := c.now()
	claims := signClaims{
		URI:      path,
		Nonce:    hex.EncodeToString(nonce),
		BodyHash: hex.EncodeToString(hash[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.cfg.APIKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign custody request: %w", err)
	}
	return signed, nil
}

func idempotencyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}
