// Package control maps external commands onto coordinator operations. The
// HTTP API, the WebSocket surface and the NATS control subject all share it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-caption/internal/capture"
	"github.com/loqalabs/loqa-caption/internal/coordinator"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/files"
	"github.com/loqalabs/loqa-caption/internal/model"
)

const (
	ActionState         = "state"
	ActionToggle        = "toggle"
	ActionReset         = "reset"
	ActionLoad          = "load"
	ActionSelectDevice  = "select_device"
	ActionListDevices   = "list_devices"
	ActionSelectFile    = "select_file"
	ActionExport        = "export"
	ActionListItems     = "list_items"
	ActionAddItem       = "add_item"
	ActionDeleteItem    = "delete_item"
	ActionSessionEvents = "session_events"
)

// ErrBadCommand reports a malformed or unknown command.
var ErrBadCommand = errors.New("control: bad command")

type Command struct {
	Action   string `json:"action"`
	Mode     string `json:"mode,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Path     string `json:"path,omitempty"`
	Format   string `json:"format,omitempty"`
	Title    string `json:"title,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	// Payload is stored verbatim with a new item.
	Payload json.RawMessage `json:"payload,omitempty"`
	// SessionID selects a timeline; empty means the current recording.
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type Reply struct {
	OK       bool                  `json:"ok"`
	Error    string                `json:"error,omitempty"`
	Path     string                `json:"path,omitempty"`
	Snapshot *coordinator.Snapshot `json:"snapshot,omitempty"`
	Devices  []capture.Device      `json:"devices,omitempty"`
	Items    []eventstore.Item     `json:"items,omitempty"`
	Item     *eventstore.Item      `json:"item,omitempty"`
	Events   []eventstore.Event    `json:"events,omitempty"`

	err error
}

// Err returns the error behind a failed reply.
func (r Reply) Err() error {
	return r.err
}

// Store keeps the item list and the transcript timeline. eventstore.Store
// satisfies it.
type Store interface {
	AddItem(ctx context.Context, title string, payload []byte) (eventstore.Item, error)
	ListItems(ctx context.Context) ([]eventstore.Item, error)
	DeleteItem(ctx context.Context, id string) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type Dispatcher struct {
	coord *coordinator.Coordinator
	items Store
	log   *slog.Logger
}

func NewDispatcher(coord *coordinator.Coordinator, items Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		coord: coord,
		items: items,
		log:   logger.With(slog.String("component", "control")),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Reply {
	reply, err := d.dispatch(ctx, cmd)
	if err != nil {
		d.log.Info("command rejected", slog.String("action", cmd.Action), slog.String("error", err.Error()))
		return Reply{Error: err.Error(), err: err}
	}
	reply.OK = true
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd.Action {
	case ActionState:
	case ActionToggle:
		mode, err := coordinator.ParseMode(cmd.Mode)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		if err := d.coord.ToggleRecording(mode); err != nil {
			return Reply{}, err
		}
	case ActionReset:
		if err := d.coord.Reset(ctx); err != nil {
			return Reply{}, err
		}
	case ActionLoad:
		if cmd.Path == "" {
			return Reply{}, fmt.Errorf("%w: path is required", ErrBadCommand)
		}
		result := d.coord.Load(cmd.Path)
		select {
		case err := <-result:
			if errors.Is(err, coordinator.ErrLoadInProgress) {
				return Reply{}, err
			}
		default:
			go func() {
				if err := <-result; err != nil {
					d.log.Warn("model load failed", slog.String("path", cmd.Path), slog.String("error", err.Error()))
				}
			}()
		}
	case ActionSelectDevice:
		if cmd.DeviceID == "" {
			return Reply{}, fmt.Errorf("%w: device_id is required", ErrBadCommand)
		}
		if err := d.coord.SelectDevice(cmd.DeviceID); err != nil {
			return Reply{}, err
		}
	case ActionListDevices:
		return Reply{Devices: d.coord.Capture().Devices()}, nil
	case ActionSelectFile:
		if cmd.Path == "" {
			return Reply{}, fmt.Errorf("%w: path is required", ErrBadCommand)
		}
		if err := d.coord.Files().Check(cmd.Path); err != nil {
			return Reply{}, err
		}
		if err := d.coord.SelectFile(cmd.Path); err != nil {
			return Reply{}, err
		}
	case ActionExport:
		format, err := coordinator.ParseFormat(cmd.Format)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		path, err := d.coord.ExportTranscript(format)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Path: path}, nil
	case ActionListItems:
		items, err := d.items.ListItems(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Items: items}, nil
	case ActionAddItem:
		item, err := d.items.AddItem(ctx, cmd.Title, cmd.Payload)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Item: &item}, nil
	case ActionDeleteItem:
		if cmd.ItemID == "" {
			return Reply{}, fmt.Errorf("%w: item_id is required", ErrBadCommand)
		}
		if err := d.items.DeleteItem(ctx, cmd.ItemID); err != nil {
			return Reply{}, err
		}
		return Reply{}, nil
	case ActionSessionEvents:
		sessionID := cmd.SessionID
		if sessionID == "" {
			sessionID = d.coord.Snapshot().SessionID
		}
		if sessionID == "" {
			return Reply{}, fmt.Errorf("%w: session_id is required", ErrBadCommand)
		}
		if cmd.Limit < 0 {
			return Reply{}, fmt.Errorf("%w: limit must not be negative", ErrBadCommand)
		}
		events, err := d.items.ListSessionEvents(ctx, sessionID, cmd.Limit)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Events: events}, nil
	default:
		return Reply{}, fmt.Errorf("%w: unknown action %q", ErrBadCommand, cmd.Action)
	}
	snap := d.coord.Snapshot()
	return Reply{Snapshot: &snap}, nil
}

// StatusCode maps a command error onto an HTTP status.
func StatusCode(err error) int {
	var loadErr *model.LoadError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadCommand),
		errors.Is(err, capture.ErrUnknownDevice),
		errors.Is(err, coordinator.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrOutsideRoots):
		return http.StatusForbidden
	case errors.Is(err, eventstore.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrNotReady),
		errors.Is(err, capture.ErrDeviceBusy),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, coordinator.ErrLoadInProgress),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
