package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("unit_states")

		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "unit_id", Required: true},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"available", "held", "booked", "blocked"}},
			&core.TextField{Name: "holder_id"},
			&core.DateField{Name: "hold_expires_at"},
			&core.TextField{Name: "booking_id"},
			&core.TextField{Name: "booked_by"},
			&core.TextField{Name: "booked_price"},
			&core.NumberField{Name: "version", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_unit_states_event_unit", true, "event_id, unit_id", "")
		collection.AddIndex("idx_unit_states_status", false, "event_id, status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("unit_states")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
