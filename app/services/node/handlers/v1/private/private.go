// Package private maintains the group of handlers for node to node and
// operator access.
package private

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	v1 "github.com/quarrylabs/quarry/business/web/v1"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of private node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	tip := h.State.QueryTip()

	resp := struct {
		Tip         state.TipInfo `json:"tip"`
		StateHash   string        `json:"state_hash"`
		Uncommitted int           `json:"uncommitted"`
	}{
		Tip:         tip,
		StateHash:   h.State.QueryStateHash(),
		Uncommitted: h.State.QueryMempoolLength(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitNodeBlock accepts a block mined by another node.
func (h Handlers) SubmitNodeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var blockData database.BlockData
	if err := web.Decode(r, &blockData); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	status := "accepted"
	if err := h.State.ProcessPeerBlock(blockData); err != nil {
		var oe *state.OrphanError
		switch {
		case errors.Is(err, state.ErrAlreadyKnown):
			status = "already known"

		case errors.As(err, &oe):
			status = "orphan"
			h.Log.Infow("node block", "status", status, "missing parent", oe.MissingParent)

		default:
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: status,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitNodeTransaction accepts a transaction shared by another node.
func (h Handlers) SubmitNodeTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var signedTx database.SignedTx
	if err := web.Decode(r, &signedTx); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	if err := h.State.SubmitNodeTransaction(signedTx); err != nil {
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

// ExportCheckpoint produces a checkpoint and snapshot for the canonical
// block at the specified height.
func (h Handlers) ExportCheckpoint(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	cp, snap, err := h.State.ExportCheckpoint(height)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	resp := struct {
		Checkpoint state.Checkpoint  `json:"checkpoint"`
		Snapshot   database.Snapshot `json:"snapshot"`
	}{
		Checkpoint: cp,
		Snapshot:   snap,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// ApplyCheckpoint replaces the node's state with the submitted checkpoint
// and snapshot.
func (h Handlers) ApplyCheckpoint(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var payload struct {
		Checkpoint state.Checkpoint  `json:"checkpoint" validate:"required"`
		Snapshot   database.Snapshot `json:"snapshot" validate:"required"`
	}
	if err := web.Decode(r, &payload); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	if err := h.State.ApplyCheckpoint(payload.Checkpoint, payload.Snapshot); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	resp := struct {
		Status string `json:"status"`
		Height uint64 `json:"height"`
	}{
		Status: "checkpoint applied",
		Height: payload.Checkpoint.Height,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// parseHeight converts a route parameter to a block height, accepting the
// literal "latest".
func parseHeight(param string) (uint64, error) {
	if param == "latest" {
		return state.QueryLatest, nil
	}
	return strconv.ParseUint(param, 10, 64)
}
