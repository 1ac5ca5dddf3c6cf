package main

import (
	"context"

	"awardwatch-backend/cmd/awardwatch/commands"
	"awardwatch-backend/lib/telemetry"
)

func main() {
	telemetry.InitSlog(false)
	commands.ExecuteContext(context.Background())
}
