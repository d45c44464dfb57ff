// Package proxy provides typed handles to atomic scalars that live in memory
// owned by someone else, usually a peer process or a module written in
// another language sharing a mapped region with us.
//
// A Cell[T] is one pointer wide. It never allocates, frees or copies the
// cell it points at; binding it to a new address just changes which cell
// the next operation touches. Copying a Cell copies the binding.
//
// Memory ordering: Go's sync/atomic operations are sequentially consistent,
// so LoadAcquire, StoreRelease, CompareExchange, Swap and the Counter RMW
// operations are all SC. LoadRelaxed and StoreRelaxed promise atomicity only;
// by default they are implemented with the same SC instructions.
//
// Equality comes in two explicit flavours:
//
//	a.Same(b)  // both handles point at the same cell
//	a.Holds(v) // the cell currently holds v (fresh acquire load)
//
// Two handles on different cells holding the same number are not Same, but
// each Holds that number.
//
// Misuse is not reported: an unbound handle panics with a nil dereference on
// first use, and a misaligned raw address is undefined behaviour. Bind
// through a sab.Region with BindRegion or At to get bounds and alignment
// checks at bind time instead.
package proxy
