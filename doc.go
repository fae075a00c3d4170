// Package alljoyn is a client for AllJoyn style message buses.
//
// A [Conn] attaches an application to a bus router. Through it, the
// application owns well-known names, exports [Object]s that implement
// [InterfaceDescription]s, and calls methods on other peers through
// [Peer], [ProxyObject] and [ProxyInterface] handles.
//
// Beyond plain messaging, the bus offers:
//
//   - sessions, point to point or multipoint, that a host binds to a
//     session port and other peers join ([Conn.BindSessionPort],
//     [Conn.JoinSession]);
//   - discovery of advertised names by prefix
//     ([Conn.AdvertiseName], [Conn.FindAdvertisedName]);
//   - sessionless signals, stored by the router and delivered to
//     peers that match them later;
//   - end to end peer authentication and encryption
//     ([Conn.EnablePeerSecurity]), with a persistent key store;
//   - policy enforcement for applications claimed by a security
//     manager ([Conn.EnablePermissionManagement]).
//
// Messages are encoded according to their signature. [Marshal] and
// [Scan] describe how Go values map to wire types.
//
// The router itself lives in package router, and bustest runs one
// in-process for tests.
package alljoyn
