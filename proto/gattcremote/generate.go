// Package gattcremote contains the protobuf-generated Go bindings for the
// RadioController gRPC interface between a gattc.Engine and an out-of-process
// radio controller.
//
// To regenerate the Go source files from proto/gattcremote/gattcremote.proto,
// run go generate from the repository root:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative gattcremote.proto
package gattcremote
