package relaybroker

import "github.com/meshroute/meshroute/lib/util/logger"

var log = logger.GetLogger()
