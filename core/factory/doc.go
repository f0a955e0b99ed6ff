// Package factory provides a small generic registry used to instantiate
// pluggable modules (metrics sinks, activity stores) from configuration. A
// module is described by a type string and a map of raw settings; factories
// decode the settings into typed structs and return the implementation.
//
//	reg := factory.NewRegistry[activity.Store]()
//	reg.Register("sqlite", func(conf map[string]any) (activity.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return activity.NewSQLiteStore(c.Path)
//	})
package factory
