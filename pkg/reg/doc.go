/*
Package reg implements the registration table and the registration
variants: API registrations with acknowledged delivery queues, session
registrations with publish/subscribe/custody flags, and the admin
registrations that own all locally-destined administrative traffic.

Delivery to a registration is at most once per bundle: every registration
keeps a recent-delivery set keyed by GBOF, and the daemon checks it and
suppresses duplicates as it handles each delivery event.
*/
package reg
