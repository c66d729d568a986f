package esplora

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testChain builds headers linked from the mainnet genesis block.
func testChain(n int) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, 0, n)
	prev := chaincfg.MainNetParams.GenesisBlock.Header
	headers = append(headers, prev)
	for i := 1; i < n; i++ {
		h := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Timestamp.Add(10 * time.Minute),
			Bits:      prev.Bits,
			Nonce:     uint32(i),
		}
		headers = append(headers, h)
		prev = h
	}
	return headers
}

func headerHex(t *testing.T, h *wire.BlockHeader) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, h.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func chainServer(t *testing.T, headers []wire.BlockHeader) *httptest.Server {
	t.Helper()
	byHash := make(map[string]*wire.BlockHeader)
	for i := range headers {
		byHash[headers[i].BlockHash().String()] = &headers[i]
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", len(headers)-1)
	})
	mux.HandleFunc("/block-height/", func(w http.ResponseWriter, r *http.Request) {
		height, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/block-height/"))
		if err != nil || height >= len(headers) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, headers[height].BlockHash().String())
	})
	mux.HandleFunc("/block/", func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/block/"), "/header")
		h, ok := byHash[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, headerHex(t, h))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTipHeight(t *testing.T) {
	srv := chainServer(t, testChain(6))
	cli := New(srv.URL)

	tip, err := cli.TipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(5), tip)
}

func TestHeaders(t *testing.T) {
	headers := testChain(6)
	srv := chainServer(t, headers)
	cli := New(srv.URL)
	ctx := context.Background()

	got, err := cli.Headers(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, h := range got {
		require.Equal(t, headers[2+i].BlockHash(), h.BlockHash())
	}

	// count runs past the tip and gets clamped
	got, err = cli.Headers(ctx, 4, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// starting past the tip yields nothing
	got, err = cli.Headers(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHeaderAt(t *testing.T) {
	headers := testChain(3)
	srv := chainServer(t, headers)
	cli := New(srv.URL)

	h, err := cli.HeaderAt(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, headers[1].BlockHash(), h.BlockHash())
}

func TestScriptHistory(t *testing.T) {
	script := []byte{0xa9, 0x14, 0x01}
	digest := sha256.Sum256(script)
	wantHash := hex.EncodeToString(digest[:])

	confirmed := chainhash.Hash{1}
	pending := chainhash.Hash{2}

	mux := http.NewServeMux()
	mux.HandleFunc("/scripthash/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, wantHash) {
			fmt.Fprint(w, "[]")
			return
		}
		page := []map[string]interface{}{
			{"txid": confirmed.String(), "status": map[string]interface{}{
				"confirmed": true, "block_height": 100,
			}},
			{"txid": pending.String(), "status": map[string]interface{}{
				"confirmed": false,
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(page))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli := New(srv.URL)
	histories, err := cli.ScriptHistory(context.Background(), [][]byte{script, {0x51}})
	require.NoError(t, err)
	require.Len(t, histories, 2)

	require.Len(t, histories[0], 2)
	require.Equal(t, confirmed, histories[0][0].Txid)
	require.Equal(t, int32(100), histories[0][0].Height)
	require.Equal(t, pending, histories[0][1].Txid)
	require.Zero(t, histories[0][1].Height)
}

func TestScriptHistoryPaging(t *testing.T) {
	script := []byte{0x51}
	var txids []chainhash.Hash
	for i := 0; i < historyPageSize; i++ {
		txids = append(txids, chainhash.Hash{byte(i + 1)})
	}

	var chainRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/scripthash/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/txs/chain/") {
			chainRequests.Add(1)
			require.True(t, strings.HasSuffix(r.URL.Path, txids[len(txids)-1].String()))
			fmt.Fprint(w, "[]")
			return
		}
		page := make([]map[string]interface{}, 0, len(txids))
		for _, txid := range txids {
			page = append(page, map[string]interface{}{
				"txid": txid.String(),
				"status": map[string]interface{}{
					"confirmed": true, "block_height": 7,
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(page))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli := New(srv.URL)
	histories, err := cli.ScriptHistory(context.Background(), [][]byte{script})
	require.NoError(t, err)
	require.Len(t, histories[0], historyPageSize)
	require.Equal(t, int32(1), chainRequests.Load())
}

func TestTransactionsCached(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1234, []byte{0x51}))
	txid := tx.TxHash()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Contains(t, r.URL.Path, txid.String())
		fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli := New(srv.URL)
	ctx := context.Background()

	txs, err := cli.Transactions(ctx, []chainhash.Hash{txid})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, txid, txs[0].TxHash())

	_, err = cli.Transactions(ctx, []chainhash.Hash{txid})
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchMerkleProof(t *testing.T) {
	txid := chainhash.Hash{9}
	sibling := bytes.Repeat([]byte{0xab}, 32)

	mux := http.NewServeMux()
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/merkle-proof"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"block_height": 500,
			"merkle":       []string{hex.EncodeToString(sibling)},
			"pos":          3,
		}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli := New(srv.URL)
	proof, err := cli.FetchMerkleProof(context.Background(), &txid)
	require.NoError(t, err)
	require.Equal(t, uint32(500), proof.BlockHeight)
	require.Equal(t, uint32(3), proof.Pos)
	require.Len(t, proof.Siblings, 1)
	require.Equal(t, sibling, proof.Siblings[0])
}

func TestBroadcast(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1234, []byte{0x51}))
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, hex.EncodeToString(buf.Bytes()), string(body))
		fmt.Fprint(w, tx.TxHash().String())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cli := New(srv.URL)
	require.NoError(t, cli.Broadcast(context.Background(), tx))

	// rejection propagates
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "sendrawtransaction RPC error")
	}))
	t.Cleanup(srv2.Close)
	require.Error(t, New(srv2.URL).Broadcast(context.Background(), tx))
}
