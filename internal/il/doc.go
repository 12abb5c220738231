// Package il decodes CIL method bodies and finds the call sites through
// which a service registers reliable collections with its state manager.
//
// A call site matches when it is a call, callvirt or calli whose resolved
// target is a generic method of the configured declaring type with the
// configured name (IReliableStateManager.GetOrAddAsync by default). The
// types at risk are the arguments of the collection instance bound as the
// first generic argument, e.g. Foo.Bar for
//
//	GetOrAddAsync<IReliableDictionary<string, Foo.Bar>>("orders")
package il
