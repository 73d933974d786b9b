// Package registry keeps the tables of actionners (backend executors) and
// objects (the devices they control), plus the kind labels used to filter
// devices.
//
// Every actionner references a protocol from the protocol catalog and every
// object references an existing actionner. Both tables are append-only:
// nothing is updated or deleted once registered, so a lookup that succeeds
// once succeeds forever.
//
// # Usage
//
//	reg := registry.New(catalog, ids.New(), registry.NewSQLiteRepository(db.DB))
//	reg.SetLogger(log)
//	if err := reg.Load(ctx); err != nil {
//	    return err
//	}
//
//	hub, err := reg.RegisterActionner(ctx, "arduino", "desk", "192.168.1.40:2000")
//	lamp, err := reg.RegisterDevice(ctx, registry.NewObject{
//	    Name: "desk lamp", Kind: "led", ActionnerID: hub.ID, IDInActionner: "3",
//	})
//
//	obj, act, err := reg.Resolve(lamp.ID)
//
// # Kinds
//
// Devices carry a free-form kind label and a numeric kind id. Kind id 0 is
// the "all devices" filter of ListDevices, so the registry never assigns it:
// labels are mapped to ids starting at 1 ("led" is always 1) and a device
// registered with kind id 0 has its id derived from the label.
package registry
