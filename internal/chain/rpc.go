package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RPCClient talks to one node's HTTP API. All addresses are exchanged in
// base58 form (visible = true).
type RPCClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewRPCClient(baseURL, apiKey string, limiter *rate.Limiter) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
	}
}

func (c *RPCClient) NowBlock(ctx context.Context) (int64, error) {
	var resp nowBlockResponse
	if err := c.postJSON(ctx, "/wallet/getnowblock", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.BlockHeader.RawData.Number, nil
}

func (c *RPCClient) AccountResource(ctx context.Context, address string) (*AccountResource, error) {
	var resp AccountResource
	req := map[string]any{"address": address, "visible": true}
	if err := c.postJSON(ctx, "/wallet/getaccountresource", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CanDelegatedMaxSize returns the stake, in sun, owner can still delegate
// for the given resource.
func (c *RPCClient) CanDelegatedMaxSize(ctx context.Context, owner, resource string) (int64, error) {
	var resp struct {
		MaxSize int64 `json:"max_size"`
	}
	req := map[string]any{"owner_address": owner, "type": resourceCode(resource), "visible": true}
	if err := c.postJSON(ctx, "/wallet/getcandelegatedmaxsize", req, &resp); err != nil {
		return 0, err
	}
	return resp.MaxSize, nil
}

func (c *RPCClient) CreateDelegate(ctx context.Context, owner, receiver string, balance int64, resource string, lock bool, lockPeriod int64) (*Transaction, error) {
	req := map[string]any{
		"owner_address":    owner,
		"receiver_address": receiver,
		"balance":          balance,
		"resource":         resource,
		"lock":             lock,
		"visible":          true,
	}
	if lock {
		req["lock_period"] = lockPeriod
	}
	return c.buildTx(ctx, "/wallet/delegateresource", req)
}

func (c *RPCClient) CreateUndelegate(ctx context.Context, owner, receiver string, balance int64, resource string) (*Transaction, error) {
	req := map[string]any{
		"owner_address":    owner,
		"receiver_address": receiver,
		"balance":          balance,
		"resource":         resource,
		"visible":          true,
	}
	return c.buildTx(ctx, "/wallet/undelegateresource", req)
}

func (c *RPCClient) buildTx(ctx context.Context, path string, req any) (*Transaction, error) {
	var tx Transaction
	if err := c.postJSON(ctx, path, req, &tx); err != nil {
		return nil, err
	}
	if tx.Error != "" {
		return nil, callErr(path, KindRejected, tx.Error, nil)
	}
	if tx.TxID == "" {
		return nil, callErr(path, KindInvalidResponse, "missing txID", nil)
	}
	return &tx, nil
}

func (c *RPCClient) Broadcast(ctx context.Context, tx *Transaction) error {
	var resp broadcastResponse
	if err := c.postJSON(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return err
	}
	if !resp.Result {
		return callErr("broadcast", KindRejected, resp.Code+" "+decodeMaybeHex(resp.Message), nil)
	}
	return nil
}

func (c *RPCClient) TransactionByID(ctx context.Context, txID string) (*Transaction, error) {
	var tx Transaction
	req := map[string]any{"value": txID, "visible": true}
	if err := c.postJSON(ctx, "/wallet/gettransactionbyid", req, &tx); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, callErr("gettransactionbyid", KindNotFound, txID, nil)
	}
	return &tx, nil
}

func (c *RPCClient) TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.postJSON(ctx, "/wallet/gettransactioninfobyid", map[string]any{"value": txID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// IncomingTransactions lists the newest transactions received by address.
func (c *RPCClient) IncomingTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	u, err := url.Parse(c.baseURL + "/v1/accounts/" + url.PathEscape(address) + "/transactions")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("only_to", "true")
	values.Set("only_confirmed", "true")
	values.Set("search_internal", "false")
	values.Set("visible", "true")
	values.Set("limit", strconv.Itoa(limit))
	values.Set("order_by", "block_timestamp,desc")
	u.RawQuery = values.Encode()

	var resp accountTxsResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, callErr("account transactions", KindRejected, resp.Error, nil)
	}
	return resp.Data, nil
}

func (c *RPCClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RPCClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RPCClient) do(req *http.Request, out any) error {
	op := req.URL.Path
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return callErr(op, KindTransport, "rate limiter", err)
		}
	}
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return callErr(op, KindTransport, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		return callErr(op, KindTransport, fmt.Sprintf("http status %d %s", resp.StatusCode, msg), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return callErr(op, KindInvalidResponse, "", err)
	}
	return nil
}

func resourceCode(resource string) int {
	if strings.EqualFold(resource, "BANDWIDTH") {
		return 0
	}
	return 1
}

func decodeMaybeHex(v string) string {
	b, err := hex.DecodeString(v)
	if err != nil || !isMostlyPrintable(b) {
		return v
	}
	return string(b)
}

func isMostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 32 && c <= 126 {
			printable++
		}
	}
	return printable*100/len(b) >= 80
}

// Node response types

type nowBlockResponse struct {
	BlockHeader struct {
		RawData struct {
			Number    int64 `json:"number"`
			Timestamp int64 `json:"timestamp"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type accountTxsResponse struct {
	Data    []Transaction `json:"data"`
	Success bool          `json:"success"`
	Error   string        `json:"error"`
}

type AccountResource struct {
	TotalEnergyLimit  int64 `json:"TotalEnergyLimit"`
	TotalEnergyWeight int64 `json:"TotalEnergyWeight"`
	EnergyLimit       int64 `json:"EnergyLimit"`
	EnergyUsed        int64 `json:"EnergyUsed"`
}

// Transaction is both the unsigned object returned by the build endpoints
// and the signed object sent back for broadcast.
type Transaction struct {
	TxID           string          `json:"txID"`
	Visible        bool            `json:"visible"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	RawDataHex     string          `json:"raw_data_hex,omitempty"`
	Signature      []string        `json:"signature,omitempty"`
	Ret            []txRet         `json:"ret,omitempty"`
	BlockTimestamp int64           `json:"block_timestamp,omitempty"`
	Error          string          `json:"Error,omitempty"`
}

type txRet struct {
	ContractRet string `json:"contractRet"`
}

type TransactionInfo struct {
	ID             string `json:"id"`
	BlockNumber    int64  `json:"blockNumber"`
	BlockTimeStamp int64  `json:"blockTimeStamp"`
	Result         string `json:"result"`
	ResMessage     string `json:"resMessage"`
}

type rawData struct {
	Contract []struct {
		Type      string `json:"type"`
		Parameter struct {
			Value struct {
				Amount       int64  `json:"amount"`
				OwnerAddress string `json:"owner_address"`
				ToAddress    string `json:"to_address"`
			} `json:"value"`
		} `json:"parameter"`
	} `json:"contract"`
	Timestamp int64 `json:"timestamp"`
}

// transfer extracts a plain TRX transfer from the transaction body.
func (t *Transaction) transfer() (from, to string, amount int64, ok bool) {
	if len(t.RawData) == 0 {
		return "", "", 0, false
	}
	var rd rawData
	if err := json.Unmarshal(t.RawData, &rd); err != nil || len(rd.Contract) == 0 {
		return "", "", 0, false
	}
	c := rd.Contract[0]
	if c.Type != "TransferContract" {
		return "", "", 0, false
	}
	v := c.Parameter.Value
	return v.OwnerAddress, v.ToAddress, v.Amount, true
}

func (t *Transaction) succeeded() bool {
	return len(t.Ret) > 0 && t.Ret[0].ContractRet == "SUCCESS"
}
