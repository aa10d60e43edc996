// Package queue owns the authoritative customer state machine. Every
// mutation of the active set flows through the Engine: it validates input,
// applies the station/status rules, writes durably through the store and
// only then fans the change out on the bus. Observers therefore never see
// a customer with an inconsistent station/status pairing.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/astronien/smart-queue-system/internal/bus"
	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/stats"
	"github.com/astronien/smart-queue-system/internal/store"
	"github.com/astronien/smart-queue-system/internal/topology"
)

type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
)

type Engine struct {
	store store.Store
	bus   bus.Bus
	topo  *topology.Topology
	log   zerolog.Logger
	now   func() time.Time
}

func New(st store.Store, b bus.Bus, topo *topology.Topology, log zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		bus:   b,
		topo:  topo,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Topology() *topology.Topology {
	return e.topo
}

type AddCustomerInput struct {
	BranchID        string
	FirstName       string
	LastName        string
	Phone           string
	CustomFieldData map[string]any
}

// AddCustomer registers a new customer: identity validated, required
// custom fields checked against the branch schema, ticket number drawn,
// placed at the first station in WAITING.
func (e *Engine) AddCustomer(ctx context.Context, input AddCustomerInput) (models.Customer, error) {
	if strings.TrimSpace(input.FirstName) == "" {
		return models.Customer{}, invalid("firstName", "required")
	}
	if strings.TrimSpace(input.LastName) == "" {
		return models.Customer{}, invalid("lastName", "required")
	}
	if strings.TrimSpace(input.Phone) == "" {
		return models.Customer{}, invalid("phone", "required")
	}

	settings, err := e.Settings(ctx, input.BranchID)
	if err != nil {
		return models.Customer{}, err
	}
	fieldData, err := shapeCustomFields(settings.CustomFields, input.CustomFieldData)
	if err != nil {
		return models.Customer{}, err
	}

	customer, err := e.store.CreateCustomer(ctx, store.CreateCustomerInput{
		BranchID:        input.BranchID,
		FirstName:       strings.TrimSpace(input.FirstName),
		LastName:        strings.TrimSpace(input.LastName),
		Phone:           strings.TrimSpace(input.Phone),
		Station:         e.topo.First(),
		CustomFieldData: fieldData,
		CreatedAt:       e.now(),
	})
	if err != nil {
		e.logError(err, "add_customer", input.BranchID, 0)
		return models.Customer{}, err
	}

	e.bus.Publish(bus.NewEvent(bus.EventCustomerAdded, customer.BranchID, customer.Station, customer))
	return customer, nil
}

// shapeCustomFields validates required fields and keeps only values the
// current schema defines. A missing or empty required TEXT field, or a
// required CHECKBOX left unticked, fails with the first offending field.
func shapeCustomFields(schema []models.CustomField, data map[string]any) (map[string]any, error) {
	shaped := make(map[string]any, len(schema))
	for _, field := range schema {
		value, present := data[field.ID]
		switch field.Type {
		case models.FieldTypeCheckbox:
			checked, _ := value.(bool)
			if field.Required && !checked {
				return nil, invalid(field.ID, "must be checked")
			}
			if present {
				shaped[field.ID] = checked
			}
		default:
			text, _ := value.(string)
			if field.Required && strings.TrimSpace(text) == "" {
				return nil, invalid(field.ID, "required")
			}
			if present {
				shaped[field.ID] = text
			}
		}
	}
	if len(shaped) == 0 {
		return nil, nil
	}
	return shaped, nil
}

func (e *Engine) Get(ctx context.Context, branchID string, id int64) (models.Customer, error) {
	return e.store.GetCustomer(ctx, branchID, id)
}

// List returns the active set, oldest registration first.
func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]models.Customer, error) {
	if filter.Station != "" && !e.topo.Contains(filter.Station) {
		return nil, invalid("station", "unknown station")
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		return nil, invalid("status", "unknown status")
	}
	return e.store.ListCustomers(ctx, filter)
}

// SetStatus flips a customer between WAITING and IN_PROGRESS. Setting the
// status it already has is a no-op, not an error.
func (e *Engine) SetStatus(ctx context.Context, branchID string, id int64, status models.Status) (models.Customer, error) {
	if !models.ValidStatus(status) {
		return models.Customer{}, invalid("status", "must be WAITING or IN_PROGRESS")
	}

	customer, err := e.store.GetCustomer(ctx, branchID, id)
	if err != nil {
		e.logError(err, "set_status", branchID, id)
		return models.Customer{}, err
	}
	if customer.Status == status {
		return customer, nil
	}

	updated, err := e.store.UpdateCustomerState(ctx, branchID, id, customer.Station, status)
	if err != nil {
		e.logError(err, "set_status", branchID, id)
		return models.Customer{}, err
	}

	e.bus.Publish(bus.NewEvent(bus.EventStatusChanged, branchID, updated.Station, bus.StatusPayload{
		CustomerID: updated.ID,
		Status:     updated.Status,
	}))
	return updated, nil
}

// Move advances or regresses a customer one station, clamped at both ends
// of the topology. Any move resets the status to WAITING, including a
// clamped move that leaves the station unchanged.
func (e *Engine) Move(ctx context.Context, branchID string, id int64, direction Direction) (models.Customer, error) {
	if direction != DirectionNext && direction != DirectionPrevious {
		return models.Customer{}, invalid("direction", "must be next or previous")
	}

	customer, err := e.store.GetCustomer(ctx, branchID, id)
	if err != nil {
		e.logError(err, "move_customer", branchID, id)
		return models.Customer{}, err
	}

	target := e.topo.Next(customer.Station)
	if direction == DirectionPrevious {
		target = e.topo.Previous(customer.Station)
	}

	updated, err := e.store.UpdateCustomerState(ctx, branchID, id, target, models.StatusWaiting)
	if err != nil {
		e.logError(err, "move_customer", branchID, id)
		return models.Customer{}, err
	}

	e.bus.Publish(bus.NewEvent(bus.EventCustomerMoved, branchID, updated.Station, bus.MovedPayload{
		CustomerID:  updated.ID,
		FromStation: customer.Station,
		ToStation:   updated.Station,
	}))
	return updated, nil
}

// Complete removes the customer from the active set and records a snapshot
// in the bounded completed history.
func (e *Engine) Complete(ctx context.Context, branchID string, id int64) (models.CompletedEntry, error) {
	entry, err := e.store.CompleteCustomer(ctx, branchID, id, e.now())
	if err != nil {
		e.logError(err, "complete_customer", branchID, id)
		return models.CompletedEntry{}, err
	}

	e.bus.Publish(bus.NewEvent(bus.EventCustomerCompleted, branchID, entry.Station, bus.CompletedPayload{
		CustomerID:  entry.ID,
		CompletedAt: entry.CompletedAt,
	}))
	return entry, nil
}

// Remove deletes a customer without completion bookkeeping. Administrative
// use only. A deletion is not a completion, so observers get a fresh
// branch snapshot instead of a customer-completed event.
func (e *Engine) Remove(ctx context.Context, branchID string, id int64) error {
	if err := e.store.DeleteCustomer(ctx, branchID, id); err != nil {
		e.logError(err, "remove_customer", branchID, id)
		return err
	}
	customers, err := e.store.ListCustomers(ctx, store.ListFilter{BranchID: branchID})
	if err != nil {
		// The delete is committed; observers resync on their next
		// snapshot request.
		e.logError(err, "remove_customer", branchID, id)
		return nil
	}
	e.bus.Publish(bus.NewEvent(bus.EventQueueData, branchID, "", customers))
	return nil
}

type UpdateCustomerInput struct {
	FirstName       string
	LastName        string
	Phone           string
	CustomFieldData map[string]any
}

// Update rewrites a customer's identity fields. Station, status, queue
// number and creation time are owned by their dedicated operations and
// never change here.
func (e *Engine) Update(ctx context.Context, branchID string, id int64, input UpdateCustomerInput) (models.Customer, error) {
	customer, err := e.store.GetCustomer(ctx, branchID, id)
	if err != nil {
		e.logError(err, "update_customer", branchID, id)
		return models.Customer{}, err
	}

	if v := strings.TrimSpace(input.FirstName); v != "" {
		customer.FirstName = v
	}
	if v := strings.TrimSpace(input.LastName); v != "" {
		customer.LastName = v
	}
	if v := strings.TrimSpace(input.Phone); v != "" {
		customer.Phone = v
	}
	if input.CustomFieldData != nil {
		customer.CustomFieldData = input.CustomFieldData
	}

	updated, err := e.store.UpdateCustomer(ctx, customer)
	if err != nil {
		e.logError(err, "update_customer", branchID, id)
		return models.Customer{}, err
	}

	e.bus.Publish(bus.NewEvent(bus.EventCustomerUpdated, branchID, updated.Station, updated))
	return updated, nil
}

// Settings returns the branch registration settings, falling back to the
// defaults when none are stored.
func (e *Engine) Settings(ctx context.Context, branchID string) (models.RegistrationSettings, error) {
	settings, found, err := e.store.GetSettings(ctx, branchID)
	if err != nil {
		e.logError(err, "get_settings", branchID, 0)
		return models.RegistrationSettings{}, err
	}
	if !found {
		return models.DefaultSettings(branchID), nil
	}
	return settings, nil
}

// UpdateSettings upserts the branch settings. Custom field ids must be
// unique; existing customers keep the field data they were created with.
func (e *Engine) UpdateSettings(ctx context.Context, settings models.RegistrationSettings) (models.RegistrationSettings, error) {
	seen := make(map[string]bool, len(settings.CustomFields))
	for _, field := range settings.CustomFields {
		if strings.TrimSpace(field.ID) == "" {
			return models.RegistrationSettings{}, invalid("customFields", "field id is required")
		}
		if seen[field.ID] {
			return models.RegistrationSettings{}, invalid("customFields", "duplicate field id "+field.ID)
		}
		seen[field.ID] = true
		if field.Type != models.FieldTypeText && field.Type != models.FieldTypeCheckbox {
			return models.RegistrationSettings{}, invalid("customFields", "unknown field type for "+field.ID)
		}
	}

	updated, err := e.store.PutSettings(ctx, settings)
	if err != nil {
		e.logError(err, "update_settings", settings.BranchID, 0)
		return models.RegistrationSettings{}, err
	}
	return updated, nil
}

// Statistics recomputes the derived metrics from the current active set
// and completed history. Nothing is cached.
func (e *Engine) Statistics(ctx context.Context, branchID string) (stats.Statistics, error) {
	active, err := e.store.ListCustomers(ctx, store.ListFilter{BranchID: branchID})
	if err != nil {
		e.logError(err, "statistics", branchID, 0)
		return stats.Statistics{}, err
	}
	completed, err := e.store.ListCompleted(ctx, branchID, store.CompletedHistoryLimit)
	if err != nil {
		e.logError(err, "statistics", branchID, 0)
		return stats.Statistics{}, err
	}
	return stats.Compute(e.topo, active, completed, e.now().Local()), nil
}

func (e *Engine) Completed(ctx context.Context, branchID string, limit int) ([]models.CompletedEntry, error) {
	return e.store.ListCompleted(ctx, branchID, limit)
}

// ClearData wipes a branch: customers, history, settings and counter.
func (e *Engine) ClearData(ctx context.Context, branchID string) error {
	if err := e.store.ClearBranch(ctx, branchID); err != nil {
		e.logError(err, "clear_data", branchID, 0)
		return err
	}
	e.bus.Publish(bus.NewEvent(bus.EventQueueData, branchID, "", []models.Customer{}))
	return nil
}

func (e *Engine) logError(err error, op, branchID string, customerID int64) {
	event := e.log.Error().Err(err).Str("op", op).Str("branch", branchID)
	if customerID != 0 {
		event = event.Int64("customer", customerID)
	}
	event.Msg("queue operation failed")
}
