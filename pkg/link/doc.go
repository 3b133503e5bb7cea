/*
Package link models next-hop adjacencies: the link state machine, the
contact bound to an open link, the convergence-layer capability interface,
and the manager that owns the link set.

A link moves through UNAVAILABLE, AVAILABLE, OPENING, OPEN, and CLOSED. At
most one contact is bound at a time and its lifetime is strictly contained
in the link's; the contact carries no pointer back to the link, so tearing
the link down severs the contact without cycle collection.

Persistent links serialize to the links table and are reincarnated at boot
(opportunistic links never are).
*/
package link
