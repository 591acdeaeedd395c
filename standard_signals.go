package dbus

// NameOwnerChanged is emitted by org.freedesktop.DBus whenever a bus
// name's owner changes, including acquisition and loss of ownership.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameLost is emitted by org.freedesktop.DBus to a client that just
// lost ownership (or a place in the owner queue) of a bus name.
type NameLost struct {
	Name string
}

// NameAcquired is emitted by org.freedesktop.DBus to a client that
// just became the owner of a bus name.
type NameAcquired struct {
	Name string
}

// ActivatableServicesChanged is emitted by org.freedesktop.DBus when
// the list of activatable services changes.
type ActivatableServicesChanged struct{}

// PropertiesChanged is emitted by org.freedesktop.DBus.Properties
// whenever one or more properties of an object change.
type PropertiesChanged struct {
	InterfaceName         string
	ChangedProperties     map[string]Variant
	InvalidatedProperties []string
}

// InterfacesAdded is emitted by org.freedesktop.DBus.ObjectManager
// when an object gains one or more interfaces.
type InterfacesAdded struct {
	Object     ObjectPath
	Interfaces map[string]map[string]Variant
}

// InterfacesRemoved is emitted by org.freedesktop.DBus.ObjectManager
// when an object loses one or more interfaces.
type InterfacesRemoved struct {
	Object     ObjectPath
	Interfaces []string
}
