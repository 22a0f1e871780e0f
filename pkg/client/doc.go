/*
Package client implements cluster.Cluster over the flow-management REST API.

The client maps the engine's entity kinds onto REST collections and hides the
wire envelope every component travels in:

	{"id": "...", "revision": {"clientId": "...", "version": 3}, "component": {...}}

The revision object is handed to the engine as an opaque token (its JSON
encoding) and sent back verbatim on the next mutation, stamped with this
client's id. Answers are mapped onto the cluster sentinel errors:

	404                            → cluster.ErrNotFound
	"not the most up-to-date revision" → cluster.ErrConflict
	429, 5xx, network failures     → cluster.ErrTransport
	any other 4xx                  → cluster.ErrValidation

# Authentication

One credential flow is used per client, chosen from Config:

  - Token: a pre-issued bearer token
  - OAuth: the OAuth2 client-credentials grant against an external provider
  - Username/Password: a login at /access/token, renewed when the token's
    exp claim passes

All three are served through an oauth2.TokenSource, so tokens are cached and
refreshed by the transport.

# TLS

CAFile pins the server CA, CertFile/KeyFile present a client certificate, and
InsecureSkipVerify accepts self-signed development clusters.

# Usage

	c, err := client.NewClient(client.Config{
		BaseURL:  "https://nifi.internal:8443/nifi-api",
		Username: "admin",
		Password: os.Getenv("NIFI_PASSWORD"),
		RateLimit: 20,
	})
	if err != nil {
		return err
	}
	r := reconciler.NewReconciler(c)

Requests are throttled by a token-bucket limiter (RateLimit requests per
second) and counted in flowsync_api_requests_total.
*/
package client
