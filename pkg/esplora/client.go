package esplora

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxHeaderBatch caps how many headers a single Headers call will fetch.
const MaxHeaderBatch = 2016

const fetchConcurrency = 8

// HistoryItem is one entry of a script's history as reported by the indexer.
// Height is zero while the transaction sits in the mempool.
type HistoryItem struct {
	Txid   chainhash.Hash
	Height int32
}

// MerkleProof carries the sibling hashes proving a transaction's inclusion in
// a block. Siblings run leaf to root in the indexer's display byte order.
type MerkleProof struct {
	BlockHeight uint32
	Pos         uint32
	Siblings    [][]byte
}

type Opts struct {
	HTTPClient *http.Client
	ProxyAddr  string
	ProxyUser  string
	ProxyPass  string
}

type Option func(*Opts)

func WithHTTPClient(cli *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = cli }
}

func WithProxy(addr, user, pass string) Option {
	return func(o *Opts) {
		o.ProxyAddr = addr
		o.ProxyUser = user
		o.ProxyPass = pass
	}
}

// Client talks to an esplora style REST indexer (electrs, blockstream.info,
// mempool.space). All calls are synchronous round trips; failures are wrapped
// and propagated without retries.
type Client struct {
	cli     *resty.Client
	txCache *expirable.LRU[chainhash.Hash, *wire.MsgTx]
}

func New(baseURL string, opts ...Option) *Client {
	var options Opts
	for _, opt := range opts {
		opt(&options)
	}

	cli := resty.New()
	if options.HTTPClient != nil {
		cli = resty.NewWithClient(options.HTTPClient)
	} else if options.ProxyAddr != "" {
		d, err := proxy.SOCKS5("tcp", options.ProxyAddr, &proxy.Auth{
			User:     options.ProxyUser,
			Password: options.ProxyPass,
		}, proxy.Direct)
		if err != nil {
			panic(err)
		}
		transport := &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				rawConn, err := d.Dial(network, addr)
				if err != nil {
					return nil, err
				}
				conn := tls.Client(rawConn, &tls.Config{
					ServerName: strings.Split(addr, ":")[0],
				})
				if err := conn.HandshakeContext(ctx); err != nil {
					rawConn.Close()
					return nil, errors.Wrapf(err, "error creating handshake to: %s", addr)
				}
				return conn, nil
			},
		}
		cli = resty.NewWithClient(&http.Client{Transport: transport})
	}

	cli.SetBaseURL(strings.TrimRight(baseURL, "/"))

	return &Client{
		cli:     cli,
		txCache: expirable.NewLRU[chainhash.Hash, *wire.MsgTx](5000, nil, 5*time.Minute),
	}
}

func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	result, err := c.cli.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/blocks/tip/height")
	if err != nil {
		return 0, errors.Wrap(err, "error fetching tip height")
	}
	raw, err := readRawOK(result)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "error parsing tip height")
	}
	return uint32(height), nil
}

func (c *Client) blockHashAt(ctx context.Context, height uint32) (string, error) {
	result, err := c.cli.R().
		SetContext(ctx).
		SetPathParam("height", strconv.FormatUint(uint64(height), 10)).
		SetDoNotParseResponse(true).
		Get("/block-height/{height}")
	if err != nil {
		return "", errors.Wrapf(err, "error fetching block hash at height %d", height)
	}
	raw, err := readRawOK(result)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(raw)), nil
}

// RawHeaderAt returns the serialized header at the given height without
// interpreting it. The sidechain proof verifier decodes these bytes itself.
func (c *Client) RawHeaderAt(ctx context.Context, height uint32) ([]byte, error) {
	hash, err := c.blockHashAt(ctx, height)
	if err != nil {
		return nil, err
	}

	result, err := c.cli.R().
		SetContext(ctx).
		SetPathParam("hash", hash).
		SetDoNotParseResponse(true).
		Get("/block/{hash}/header")
	if err != nil {
		return nil, errors.Wrapf(err, "error fetching header %s", hash)
	}
	raw, err := readRawOK(result)
	if err != nil {
		return nil, err
	}

	header, err := hex.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "error decoding header hex")
	}
	return header, nil
}

func (c *Client) HeaderAt(ctx context.Context, height uint32) (*wire.BlockHeader, error) {
	raw, err := c.RawHeaderAt(ctx, height)
	if err != nil {
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "error parsing header")
	}
	return &header, nil
}

// Headers fetches up to count consecutive headers starting at the given
// height, clamped to the current tip and to MaxHeaderBatch. The REST protocol
// has no bulk header endpoint, so round trips are bounded by fetching heights
// concurrently instead.
func (c *Client) Headers(ctx context.Context, start uint32, count int) ([]wire.BlockHeader, error) {
	if count > MaxHeaderBatch {
		count = MaxHeaderBatch
	}

	tip, err := c.TipHeight(ctx)
	if err != nil {
		return nil, err
	}
	if start > tip {
		return nil, nil
	}
	if available := int(tip-start) + 1; count > available {
		count = available
	}

	headers := make([]wire.BlockHeader, count)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)
	for i := 0; i < count; i++ {
		i := i
		group.Go(func() error {
			header, err := c.HeaderAt(gctx, start+uint32(i))
			if err != nil {
				return err
			}
			headers[i] = *header
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return headers, nil
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int32  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type historyTx struct {
	Txid   string   `json:"txid"`
	Status txStatus `json:"status"`
}

const historyPageSize = 25

// ScriptHistory returns one history slice per requested script, preserving
// order. Scripts are queried concurrently; each script's confirmed history is
// paged through to the end.
func (c *Client) ScriptHistory(ctx context.Context, scripts [][]byte) ([][]HistoryItem, error) {
	histories := make([][]HistoryItem, len(scripts))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)
	for i := range scripts {
		i := i
		group.Go(func() error {
			history, err := c.scriptHistory(gctx, scripts[i])
			if err != nil {
				return err
			}
			histories[i] = history
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return histories, nil
}

func (c *Client) scriptHistory(ctx context.Context, script []byte) ([]HistoryItem, error) {
	digest := sha256.Sum256(script)
	scriptHash := hex.EncodeToString(digest[:])

	var items []HistoryItem
	lastSeen := ""
	for {
		req := c.cli.R().
			SetContext(ctx).
			SetPathParam("hash", scriptHash)

		var page []historyTx
		var err error
		var result *resty.Response
		if lastSeen == "" {
			result, err = req.SetResult(&page).Get("/scripthash/{hash}/txs")
		} else {
			result, err = req.SetResult(&page).
				SetPathParam("last", lastSeen).
				Get("/scripthash/{hash}/txs/chain/{last}")
		}
		if err != nil {
			return nil, errors.Wrap(err, "error fetching script history")
		}
		if result.StatusCode() != http.StatusOK {
			return nil, errors.New(fmt.Sprintf("unexpected status code: %d", result.StatusCode()))
		}

		var confirmed int
		for _, tx := range page {
			txid, err := chainhash.NewHashFromStr(tx.Txid)
			if err != nil {
				return nil, errors.Wrap(err, "error parsing history txid")
			}
			item := HistoryItem{Txid: *txid}
			if tx.Status.Confirmed {
				item.Height = tx.Status.BlockHeight
				confirmed++
				lastSeen = tx.Txid
			}
			items = append(items, item)
		}

		if confirmed < historyPageSize {
			return items, nil
		}
	}
}

// Transactions fetches raw transactions by id, preserving order. Recently
// fetched transactions are served from an in-memory cache.
func (c *Client) Transactions(ctx context.Context, txids []chainhash.Hash) ([]*wire.MsgTx, error) {
	txs := make([]*wire.MsgTx, len(txids))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)
	for i := range txids {
		i := i
		group.Go(func() error {
			if tx, ok := c.txCache.Get(txids[i]); ok {
				txs[i] = tx
				return nil
			}
			tx, err := c.transaction(gctx, &txids[i])
			if err != nil {
				return err
			}
			c.txCache.Add(txids[i], tx)
			txs[i] = tx
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) transaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	result, err := c.cli.R().
		SetContext(ctx).
		SetPathParam("txid", txid.String()).
		SetDoNotParseResponse(true).
		Get("/tx/{txid}/hex")
	if err != nil {
		return nil, errors.Wrapf(err, "error fetching transaction %s", txid)
	}
	raw, err := readRawOK(result)
	if err != nil {
		return nil, err
	}

	var tx wire.MsgTx
	reader := hex.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	if err := tx.Deserialize(reader); err != nil {
		return nil, errors.Wrapf(err, "error parsing transaction %s", txid)
	}
	return &tx, nil
}

type merkleProofResponse struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

func (c *Client) FetchMerkleProof(ctx context.Context, txid *chainhash.Hash) (*MerkleProof, error) {
	var response merkleProofResponse
	result, err := c.cli.R().
		SetContext(ctx).
		SetResult(&response).
		SetPathParam("txid", txid.String()).
		Get("/tx/{txid}/merkle-proof")
	if err != nil {
		return nil, errors.Wrapf(err, "error fetching merkle proof for %s", txid)
	}
	if result.StatusCode() != http.StatusOK {
		return nil, errors.New(fmt.Sprintf("unexpected status code: %d", result.StatusCode()))
	}

	proof := &MerkleProof{
		BlockHeight: response.BlockHeight,
		Pos:         response.Pos,
		Siblings:    make([][]byte, 0, len(response.Merkle)),
	}
	for _, sibling := range response.Merkle {
		raw, err := hex.DecodeString(sibling)
		if err != nil {
			return nil, errors.Wrap(err, "error decoding proof sibling")
		}
		proof.Siblings = append(proof.Siblings, raw)
	}
	return proof, nil
}

func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return errors.Wrap(err, "error serializing transaction")
	}

	result, err := c.cli.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody([]byte(hex.EncodeToString(buf.Bytes()))).
		Post("/tx")
	if err != nil {
		return errors.Wrap(err, "error broadcasting transaction")
	}
	if _, err := readRawOK(result); err != nil {
		return err
	}
	return nil
}

func readRawOK(result *resty.Response) ([]byte, error) {
	body := result.RawBody()
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading response body")
	}
	if result.StatusCode() != http.StatusOK {
		return nil, errors.New(fmt.Sprintf("unexpected status code: %d\nbody:%s", result.StatusCode(), raw))
	}
	return raw, nil
}
