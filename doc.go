/*
Package plsync keeps EC2 managed prefix lists synchronized with the
addresses behind a DNS name.

Usage will always start with [plsync.New],
which returns a *Client.
New requires a [Config] naming the source hostname and the target prefix
lists, and a prefix list provider registered with an option such as
[plsync.UsingEC2].
Additional client configuration options are listed in the docs for New.

Each call to [Client.Run] resolves the hostname's A and AAAA records,
consolidates each family's addresses into the minimal covering set of CIDR
blocks, and converges the corresponding prefix list onto that set with the
smallest possible add/remove update.
*/
package plsync
