// Package container implements the provider/bean registry used to wire
// plugins, the launcher and profiles together.
//
// Usage is split into two phases which must not overlap:
//
//  1. declare: components call Provide, ProvideValue or ProvideInstance.
//     Each declaration names the produced type, a priority and whether the
//     bean is lazy. As[U]() registers the same factory under an additional
//     capability type.
//  2. resolve: ResolveEager materialises the primary bean of every type with a
//     non-lazy declaration and seals the registry. Inject, Resolve, ResolveAll
//     and ResolveDeferred look beans up afterwards.
//
// Selection rules:
//   - the primary bean for a type is the declaration with the highest
//     priority; equal priorities are won by the first declaration.
//   - ResolveAll returns every declaration for a type, each exactly once,
//     ordered by descending priority.
//   - every declaration produces at most one instance per Registry, whether
//     it is eager or lazy.
//
// Beans implementing Wirer are wired by the registry right after their
// factory returns, so beans may depend on each other cyclically as long as
// the dependency is only used after wiring finished.
//
// The registry is not safe for concurrent declaration. Deferred handles are
// safe for concurrent use once the registry is sealed.
package container
