package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("units")

		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.SelectField{Name: "kind", Required: true, MaxSelect: 1, Values: []string{"seat", "table", "booth"}},
			&core.TextField{Name: "parent_id"},
			&core.TextField{Name: "label", Required: true},
			&core.TextField{Name: "row"},
			&core.TextField{Name: "section"},
			// decimal string, parsed by the store
			&core.TextField{Name: "price", Required: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_units_event", false, "event_id", "")
		collection.AddIndex("idx_units_parent", false, "parent_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("units")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
