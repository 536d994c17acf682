// Package catalog keeps an indexed, in-memory copy of Home Assistant's area,
// device and entity registries plus the live state table.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"areagroups/internal/ha"
	"areagroups/internal/resolver"
)

// Catalog answers area, entity and state lookups for the resolver and the
// derived entities. Registry tables are replaced wholesale by Refresh; the
// state table follows state_changed events.
type Catalog struct {
	client ha.HAClient
	logger *zap.Logger
	db     *memdb.MemDB

	mu  sync.Mutex
	sub ha.Subscription
}

// New creates an empty catalog. Call Start to load it.
func New(client ha.HAClient, logger *zap.Logger) (*Catalog, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog database: %w", err)
	}
	return &Catalog{
		client: client,
		logger: logger.Named("catalog"),
		db:     db,
	}, nil
}

// Start loads the registries and begins tracking state changes.
func (c *Catalog) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}

	sub, err := c.client.SubscribeEvents(ha.EventStateChanged, c.handleStateChanged)
	if err != nil {
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}
	c.sub = sub

	if err := c.Refresh(); err != nil {
		return err
	}
	return nil
}

// Stop ends state tracking. Lookups keep answering from the last snapshot.
func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
}

// Refresh reloads areas, devices, entities and states from the host. On error
// the previous snapshot is kept.
func (c *Catalog) Refresh() error {
	areas, err := c.client.GetAreas()
	if err != nil {
		return fmt.Errorf("failed to list areas: %w", err)
	}
	devices, err := c.client.GetDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	entities, err := c.client.GetEntities()
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}
	requested := time.Now()
	states, err := c.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to list states: %w", err)
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	for _, table := range []string{tableArea, tableDevice, tableEntity} {
		if _, err := txn.DeleteAll(table, "id"); err != nil {
			return fmt.Errorf("failed to clear %s table: %w", table, err)
		}
	}

	for _, area := range areas {
		if area.AreaID == "" {
			continue
		}
		if err := txn.Insert(tableArea, &areaRow{AreaID: area.AreaID, Name: area.Name}); err != nil {
			return fmt.Errorf("failed to insert area %s: %w", area.AreaID, err)
		}
	}

	deviceAreas := make(map[string]*deviceRow, len(devices))
	for _, device := range devices {
		if device.ID == "" {
			continue
		}
		row := &deviceRow{ID: device.ID, AreaID: device.AreaID, Disabled: device.DisabledBy != ""}
		deviceAreas[device.ID] = row
		if err := txn.Insert(tableDevice, row); err != nil {
			return fmt.Errorf("failed to insert device %s: %w", device.ID, err)
		}
	}

	for i, entity := range entities {
		if entity.EntityID == "" {
			continue
		}
		row := &entityRow{
			EntityID:      entity.EntityID,
			Domain:        ha.Domain(entity.EntityID),
			DeviceID:      entity.DeviceID,
			Area:          entity.AreaID,
			ConfigEntryID: entity.ConfigEntryID,
			DeviceClass:   entity.DeviceClass,
			Disabled:      entity.DisabledBy != "",
			Position:      i,
		}
		if row.DeviceClass == "" {
			row.DeviceClass = entity.OriginalDeviceClass
		}
		if device, ok := deviceAreas[entity.DeviceID]; ok {
			if row.Area == "" {
				row.Area = device.AreaID
			}
			if device.Disabled {
				row.Disabled = true
			}
		}
		if err := txn.Insert(tableEntity, row); err != nil {
			return fmt.Errorf("failed to insert entity %s: %w", entity.EntityID, err)
		}
	}

	if err := mergeStates(txn, states, requested); err != nil {
		return err
	}

	txn.Commit()

	c.logger.Debug("Catalog refreshed",
		zap.Int("areas", len(areas)),
		zap.Int("devices", len(devices)),
		zap.Int("entities", len(entities)),
		zap.Int("states", len(states)))
	return nil
}

// mergeStates folds a get_states snapshot into the state table. Events
// applied while the snapshot was in flight win over it: a row is kept when it
// was updated later than the snapshot's copy, or when it arrived after the
// snapshot was requested and the snapshot does not list it.
func mergeStates(txn *memdb.Txn, states []*ha.State, requested time.Time) error {
	snapshot := make(map[string]*ha.State, len(states))
	for _, state := range states {
		if state == nil || state.EntityID == "" {
			continue
		}
		snapshot[state.EntityID] = state
	}

	it, err := txn.Get(tableState, "id")
	if err != nil {
		return fmt.Errorf("failed to read state table: %w", err)
	}
	existing := make(map[string]*stateRow)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*stateRow)
		existing[row.EntityID] = row
	}

	for entityID, row := range existing {
		if _, ok := snapshot[entityID]; ok || !row.Applied.Before(requested) {
			continue
		}
		if err := txn.Delete(tableState, row); err != nil {
			return fmt.Errorf("failed to delete state %s: %w", entityID, err)
		}
	}

	for entityID, state := range snapshot {
		if row, ok := existing[entityID]; ok && row.State.LastUpdated.After(state.LastUpdated) {
			continue
		}
		if err := txn.Insert(tableState, &stateRow{EntityID: entityID, State: state}); err != nil {
			return fmt.Errorf("failed to insert state %s: %w", entityID, err)
		}
	}
	return nil
}

func (c *Catalog) handleStateChanged(event *ha.Event) {
	var data ha.StateChangedEvent
	if err := json.Unmarshal(event.Data, &data); err != nil {
		c.logger.Warn("Failed to decode state_changed event", zap.Error(err))
		return
	}
	c.applyState(data.EntityID, data.NewState)
}

func (c *Catalog) applyState(entityID string, state *ha.State) {
	if entityID == "" {
		return
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	var err error
	if state == nil {
		_, err = txn.DeleteAll(tableState, "id", entityID)
	} else {
		err = txn.Insert(tableState, &stateRow{EntityID: entityID, State: state, Applied: time.Now()})
	}
	if err != nil {
		c.logger.Warn("Failed to apply state change",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return
	}
	txn.Commit()
}

// AreaEntities returns the entities in areaID in entity registry order.
func (c *Catalog) AreaEntities(areaID string) []string {
	txn := c.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntity, "area", areaID)
	if err != nil {
		c.logger.Warn("Area lookup failed", zap.String("area_id", areaID), zap.Error(err))
		return nil
	}

	var rows []*entityRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*entityRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.EntityID
	}
	return ids
}

// Entity describes entityID. Entities that only exist in the state machine
// (no registry entry) are reported enabled, with the device class taken from
// their attributes.
func (c *Catalog) Entity(entityID string) (resolver.EntityInfo, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableEntity, "id", entityID)
	if err == nil && obj != nil {
		row := obj.(*entityRow)
		return resolver.EntityInfo{
			EntityID:    row.EntityID,
			Domain:      row.Domain,
			DeviceClass: row.DeviceClass,
			Disabled:    row.Disabled,
		}, true
	}

	obj, err = txn.First(tableState, "id", entityID)
	if err != nil || obj == nil {
		return resolver.EntityInfo{}, false
	}
	state := obj.(*stateRow).State
	return resolver.EntityInfo{
		EntityID:    entityID,
		Domain:      ha.Domain(entityID),
		DeviceClass: state.Attribute("device_class"),
	}, true
}

// State returns the last known state of entityID.
func (c *Catalog) State(entityID string) (*ha.State, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableState, "id", entityID)
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*stateRow).State, true
}

// EntitiesForConfigEntry lists registry entries created by configEntryID.
func (c *Catalog) EntitiesForConfigEntry(configEntryID string) []string {
	if configEntryID == "" {
		return nil
	}

	txn := c.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntity, "config_entry", configEntryID)
	if err != nil {
		return nil
	}
	var ids []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids = append(ids, obj.(*entityRow).EntityID)
	}
	return ids
}

// AreaName returns the display name of areaID.
func (c *Catalog) AreaName(areaID string) (string, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableArea, "id", areaID)
	if err != nil || obj == nil {
		return "", false
	}
	return obj.(*areaRow).Name, true
}
