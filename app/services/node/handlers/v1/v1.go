// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/quarrylabs/quarry/app/services/node/handlers/v1/private"
	"github.com/quarrylabs/quarry/app/services/node/handlers/v1/public"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/events"
	"github.com/quarrylabs/quarry/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis/list", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/chain/tip", pbl.Tip)
	app.Handle(http.MethodGet, version, "/accounts/balance/:account", pbl.Balance)
	app.Handle(http.MethodGet, version, "/accounts/utxo/:account", pbl.UTXOs)
	app.Handle(http.MethodGet, version, "/accounts/nonce/:account", pbl.NextNonce)
	app.Handle(http.MethodGet, version, "/tx/uncommitted/list", pbl.Mempool)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitWalletTransaction)
	app.Handle(http.MethodGet, version, "/blocks/list/:from/:to", pbl.BlocksByNumber)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/block/next", prv.SubmitNodeBlock)
	app.Handle(http.MethodPost, version, "/node/tx/add", prv.SubmitNodeTransaction)
	app.Handle(http.MethodGet, version, "/node/block/list/:from/:to", prv.BlocksByNumber)
	app.Handle(http.MethodGet, version, "/node/checkpoint/export/:height", prv.ExportCheckpoint)
	app.Handle(http.MethodPost, version, "/node/checkpoint/apply", prv.ApplyCheckpoint)
}
