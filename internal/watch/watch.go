// Package watch polls a node's JSON-RPC endpoint on a schedule and pushes
// what changed out through the channel's broadcast topics.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/channel"
	"github.com/weftlabs/weft/pkg/wire"
)

const (
	TopicBalances = "balances"
	TopicBlocks   = "blocks"

	ActionDepositAddress = "deposit-address"

	defaultSchedule = "@every 30s"
	pollTimeout     = 10 * time.Second
)

// Broadcaster is the slice of the server channel the watcher pushes into.
type Broadcaster interface {
	Broadcast(topic string, body any) error
}

type Config struct {
	RPCURL   string
	Schedule string

	// Accounts maps account names to the chain addresses watched for
	// balance changes and answered by deposit-address requests.
	Accounts map[string]string

	Broadcaster Broadcaster
	Logger      *zap.Logger
}

type Watcher struct {
	cfg  Config
	node *NodeClient
	cron *cron.Cron
	log  *zap.Logger

	mut          sync.Mutex
	broadcaster  Broadcaster
	lastHeight   int64
	lastBalances map[string]string
}

func CreateWatcher(cfg Config) *Watcher {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Watcher{
		cfg:          cfg,
		node:         NewNodeClient(cfg.RPCURL),
		cron:         cron.New(),
		log:          logger.With(zap.String("service", "watch")),
		broadcaster:  cfg.Broadcaster,
		lastBalances: make(map[string]string),
	}
}

// SetBroadcaster wires the outbound side when it is only available after
// construction, as with a delegation layer whose handler is the watcher
// itself.
func (w *Watcher) SetBroadcaster(b Broadcaster) {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.broadcaster = b
}

func (w *Watcher) Start() error {
	w.mut.Lock()
	wired := w.broadcaster != nil
	w.mut.Unlock()
	if !wired {
		return errors.New("watcher has no broadcaster")
	}
	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		w.poll(ctx)
	}); err != nil {
		return err
	}
	w.cron.Start()
	w.log.Info("Watcher started", zap.String("schedule", w.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a poll in flight to finish.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// Handle is a channel.Handler answering deposit-address lookups.
func (w *Watcher) Handle(_ context.Context, req *channel.Request) (any, error) {
	switch req.Action {
	case ActionDepositAddress:
		account := gjson.GetBytes(req.Body, "account").String()
		address, ok := w.cfg.Accounts[account]
		if !ok {
			return wire.Nok("unknown account '" + account + "'"), nil
		}
		return wire.Ok(ActionDepositAddress, map[string]any{
			"account": account,
			"address": address,
		}), nil
	default:
		return wire.Nok("unknown action '" + req.Action + "'"), nil
	}
}

// poll reads the chain height and every watched balance, broadcasting only
// what differs from the previous round. A node failure skips the round; the
// next tick retries.
func (w *Watcher) poll(ctx context.Context) {
	result, err := w.node.Call(ctx, "getblockcount")
	if err != nil {
		w.log.Warn("Block count poll failed", zap.Error(err))
		return
	}
	height := gjson.ParseBytes(result).Int()

	w.mut.Lock()
	sink := w.broadcaster
	heightChanged := height != w.lastHeight
	w.lastHeight = height
	w.mut.Unlock()

	if heightChanged {
		if err := sink.Broadcast(TopicBlocks, map[string]any{
			"height": height,
		}); err != nil {
			w.log.Warn("Block broadcast failed", zap.Error(err))
		}
	}

	for account, address := range w.cfg.Accounts {
		result, err := w.node.Call(ctx, "getbalance", address)
		if err != nil {
			w.log.Warn("Balance poll failed", zap.String("account", account), zap.Error(err))
			continue
		}
		balance := gjson.GetBytes(result, "balance").String()

		w.mut.Lock()
		changed := balance != w.lastBalances[account]
		w.lastBalances[account] = balance
		w.mut.Unlock()

		if !changed {
			continue
		}
		if err := sink.Broadcast(TopicBalances, map[string]any{
			"account": account,
			"address": address,
			"balance": balance,
			"height":  height,
		}); err != nil {
			w.log.Warn("Balance broadcast failed", zap.String("account", account), zap.Error(err))
		}
	}
}
