// Package session tracks the authentication session of a single-user client
// that signs in through an external identity broker (hosted OAuth2/OIDC UI)
// and then calls a backend API on the user's behalf.
//
// Session lifecycle:
//   - Store is the only writer of session state. It subscribes to the auth
//     channel of an EventSource (usually a Bus fed by the broker), resolves
//     identity through a TokenProvider and exposes immutable Snapshot values.
//   - A watchdog bounds the Initializing state: if identity resolution never
//     settles, the store falls back to Unauthenticated so views can progress.
//   - Reconcile calls are single-flight by generation; a result that was
//     superseded by a newer call or event is discarded.
//
// Consumers:
//   - RouteGuard decides, per view class, whether to render, show a loading
//     placeholder or redirect. It is available as go-router middleware and as
//     a reactive watcher for the currently open view.
//   - CallbackHandler drives the landing route the broker redirects back to,
//     forwarding to the home view or to the login view with an error marker.
//   - The apiclient package attaches bearer tokens to backend requests.
package session
