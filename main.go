// Package main is a module which serves the sort-tracker vision service.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/sort-tracking/sortservice"
)

func main() {
	module.ModularMain(resource.APIModel{API: vision.API, Model: sortservice.Model})
}
