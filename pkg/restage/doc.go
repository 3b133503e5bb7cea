/*
Package restage implements the restage convergence layer and the bundle
architectural restaging daemon (BARD): a disk-overflow store that writes
whole bundles into a structured directory tree and reloads them into the
daemon under quota.

Directories are named by quota subject (src_<scheme>-<node> or
dst_<scheme>-<node>); filenames encode the full GBOF, payload length, and
expiration with configurable separators fixed at link creation. On start
the tree is scanned and per-directory statistics rebuilt; restages add
files, reloads delete them, and an hourly garbage-collection sweep
removes files whose retention days or bundle expiration elapsed.

The store moves through ONLINE, FULL, ERROR, and DELETED on quota
exhaustion, write errors, mount-point loss, and explicit deletion; every
transition dispatches email notification when enabled. The ONLINE and
FULL edges use separate thresholds: the store fills when volume free
space drops under min_disk_space or the quota is exhausted, and returns
online only once quota headroom clears the min_quota_avail margin, so a
store sitting at the boundary does not flap. Reloads consult
the BARD per file, optionally rewriting the destination and guaranteeing
a minimum remaining TTL.
*/
package restage
