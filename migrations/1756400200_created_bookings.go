package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("bookings")

		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "user_id", Required: true},
			&core.JSONField{Name: "unit_ids", Required: true, MaxSize: 4096},
			&core.JSONField{Name: "unit_prices", MaxSize: 8192},
			&core.TextField{Name: "total_amount", Required: true},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"pending", "confirmed", "cancelled", "expired"}},
			&core.SelectField{Name: "payment_status", MaxSelect: 1, Values: []string{"pending", "processing", "completed", "failed", "refunded"}},
			&core.TextField{Name: "payment_ref"},
			&core.DateField{Name: "expires_at"},
			&core.DateField{Name: "confirmed_at"},
			&core.DateField{Name: "cancelled_at"},
			&core.TextField{Name: "cancel_reason", Max: 500},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_bookings_user", false, "user_id, created", "")
		collection.AddIndex("idx_bookings_status", false, "status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("bookings")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
