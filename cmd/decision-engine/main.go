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

package main

import (
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/belgio99/k8s-carbonrouter/cmd/decision-engine/runner"
)

func main() {
	if err := runner.Run(ctrl.SetupSignalHandler()); err != nil {
		ctrl.Log.Error(err, "Decision engine exited with error")
		os.Exit(1)
	}
}
