// Package ports defines the interfaces between the delivery core and its
// infrastructure adapters (transport broker, metrics).
package ports
