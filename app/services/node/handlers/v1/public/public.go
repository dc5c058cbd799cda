// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/quarrylabs/quarry/business/web/v1"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/events"
	"github.com/quarrylabs/quarry/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.Genesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Tip returns the canonical tip of the chain.
func (h Handlers) Tip(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	tip := h.State.QueryTip()
	return web.Respond(ctx, w, tip, http.StatusOK)
}

// Balance returns the spendable funds for the specified account.
func (h Handlers) Balance(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	bal := balance{
		Account: accountID,
		Balance: h.State.QueryBalance(accountID),
		UTXOs:   len(h.State.QueryUTXOs(accountID)),
	}

	return web.Respond(ctx, w, bal, http.StatusOK)
}

// UTXOs returns the unspent outputs locked to the specified account.
func (h Handlers) UTXOs(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	utxos := h.State.QueryUTXOs(accountID)
	return web.Respond(ctx, w, utxos, http.StatusOK)
}

// NextNonce returns the nonce a wallet should use for its next transaction.
func (h Handlers) NextNonce(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	resp := struct {
		Account database.AccountID `json:"account"`
		Nonce   uint64             `json:"nonce"`
	}{
		Account: accountID,
		Nonce:   h.State.QueryNextNonce(accountID),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	pool := h.State.QueryMempool()

	trans := make([]tx, 0, len(pool))
	for _, vt := range pool {
		txID, err := vt.Tx.ID()
		if err != nil {
			continue
		}

		trans = append(trans, tx{
			TxID:      txID,
			From:      vt.From,
			Nonce:     vt.Tx.Nonce,
			Inputs:    vt.Tx.Inputs,
			Outputs:   vt.Tx.Outputs,
			Fee:       vt.Fee,
			Size:      vt.Size,
			TimeStamp: vt.Tx.TimeStamp,
			Sig:       vt.Tx.SignatureString(),
		})
	}

	return web.Respond(ctx, w, trans, http.StatusOK)
}

// SubmitWalletTransaction adds a new user transaction to the mempool.
func (h Handlers) SubmitWalletTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var signedTx database.SignedTx
	if err := web.Decode(r, &signedTx); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	h.Log.Infow("add user tran", "traceid", v.TraceID, "tx", signedTx)
	if err := h.State.SubmitWalletTransaction(signedTx); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transaction added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// BlocksByNumber returns the canonical blocks in the specified height range.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	from, err := parseHeight(web.Param(r, "from"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}
	to, err := parseHeight(web.Param(r, "to"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	blocks := h.State.QueryBlocksByNumber(from, to)
	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// parseHeight converts a route parameter to a block height, accepting the
// literal "latest".
func parseHeight(param string) (uint64, error) {
	if param == "latest" {
		return state.QueryLatest, nil
	}
	return strconv.ParseUint(param, 10, 64)
}
