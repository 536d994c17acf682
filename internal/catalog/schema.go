package catalog

import (
	"time"

	"github.com/hashicorp/go-memdb"

	"areagroups/internal/ha"
)

const (
	tableArea   = "area"
	tableDevice = "device"
	tableEntity = "entity"
	tableState  = "state"
)

type areaRow struct {
	AreaID string
	Name   string
}

type deviceRow struct {
	ID       string
	AreaID   string
	Disabled bool
}

// entityRow.Area is the entity's own area, falling back to its device's area.
type entityRow struct {
	EntityID      string
	Domain        string
	DeviceID      string
	Area          string
	ConfigEntryID string
	DeviceClass   string
	Disabled      bool
	Position      int
}

// stateRow.Applied is when a state_changed event wrote the row; zero for
// rows loaded by Refresh.
type stateRow struct {
	EntityID string
	State    *ha.State
	Applied  time.Time
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableArea: {
				Name: tableArea,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "AreaID"},
					},
				},
			},
			tableDevice: {
				Name: tableDevice,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableEntity: {
				Name: tableEntity,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "EntityID"},
					},
					"area": {
						Name:         "area",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Area"},
					},
					"config_entry": {
						Name:         "config_entry",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ConfigEntryID"},
					},
				},
			},
			tableState: {
				Name: tableState,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "EntityID"},
					},
				},
			},
		},
	}
}
