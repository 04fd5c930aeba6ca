// Package services builds and owns every long-lived service of one
// rulesmith process.
//
// Build resolves credentials, opens the datastore, selects the memory
// backend and wires the extraction pipeline. Accessors on the returned
// Registry hand the services to the HTTP server and the CLI; Close
// releases them in reverse order.
package services
