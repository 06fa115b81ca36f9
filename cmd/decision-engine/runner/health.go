/*
Copyright 2025 belgio99.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runner

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
)

// serviceName is the gRPC health service identity probes ask for.
const serviceName = "decision-engine"

// newHealthServer builds the gRPC server backing liveness and readiness
// probes. The engine serves as soon as the process is up; schedule readiness
// is per-session and surfaces through the HTTP API instead.
func newHealthServer() *grpc.Server {
	srv := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthPb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthPb.HealthCheckResponse_SERVING)
	healthPb.RegisterHealthServer(srv, healthServer)
	return srv
}
