// Package inttest enables writing of integration tests. SetupK8s starts a Kubernetes cluster in a
// Docker container using k3s and SetupHTTPServer serves Gin handlers. Every setup function ensures
// the dependency is ready before returning, ensures resources are cleaned up after the tests are
// finished and returns a client ready to interact with it.
package inttest
