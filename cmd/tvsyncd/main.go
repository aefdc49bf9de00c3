// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/andronics/tvsyncd/internal/build"
	"github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
)

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("tvsyncd", "Mirrors a television show catalog into a download manager's watchlist.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	version := app.Command("version", "Build information for tvsyncd.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case serve.FullCommand():
		s, err := NewServe(log, serveCtx)
		if err != nil {
			log.WithError(err).Fatal("unable to initialize tvsyncd")
		}
		if err := s.doServe(); err != nil {
			log.WithError(err).Fatal("tvsyncd exited with an error")
		}
	case version.FullCommand():
		println(build.PrintBuildInfo())
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
