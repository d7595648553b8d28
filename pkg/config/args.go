package config

import (
	"fmt"
	"strconv"
	"strings"

	"blobmover/pkg/models"
)

const (
	// BatchArgumentCount is the number of positional arguments of the batch creator
	BatchArgumentCount = 14
	// MoverArgumentCount adds saveLog and logPath to the batch creator's arguments
	MoverArgumentCount = BatchArgumentCount + 2
)

// ParseBatchArguments resolves the batch creator's positional arguments:
//
//	srcConn srcContainer destConn destContainer selection exclusion deleteFromSource
//	safeDeleteFromSource tier localTempPath deleteFromLocalTemp overwriteIfExists copyToolPath customerId
func ParseBatchArguments(args []string) (models.MovementConfiguration, error) {
	if len(args) != BatchArgumentCount {
		return models.MovementConfiguration{}, models.ConfigurationError("read arguments",
			fmt.Errorf("%w: expected %d arguments, got %d", models.ErrInvalidArguments, BatchArgumentCount, len(args)))
	}

	var err error
	conf := models.MovementConfiguration{
		SrcAccountConnectionString:  args[0],
		SrcContainerName:            args[1],
		DestAccountConnectionString: args[2],
		DestContainerName:           args[3],
		SrcPattern:                  args[4],
		SrcExcludePattern:           args[5],
		DestTier:                    args[8],
		LocalTempPath:               args[9],
		CopyToolPath:                args[12],
		CustomerID:                  args[13],
	}
	if conf.DeleteFromSource, err = parseBool("deleteFromSource", args[6]); err != nil {
		return models.MovementConfiguration{}, err
	}
	if conf.SafeDeleteFromSource, err = parseBool("safeDeleteFromSource", args[7]); err != nil {
		return models.MovementConfiguration{}, err
	}
	if conf.DeleteFromLocalTemp, err = parseBool("deleteFromLocalTemp", args[10]); err != nil {
		return models.MovementConfiguration{}, err
	}
	if conf.OverwriteIfExists, err = parseBool("overwriteIfExists", args[11]); err != nil {
		return models.MovementConfiguration{}, err
	}
	return conf, nil
}

// ParseMoverArguments resolves the mover's positional arguments: the batch creator's
// fourteen followed by saveLog and logPath.
func ParseMoverArguments(args []string) (models.MovementConfiguration, models.LogOptions, error) {
	if len(args) != MoverArgumentCount {
		return models.MovementConfiguration{}, models.LogOptions{}, models.ConfigurationError("read arguments",
			fmt.Errorf("%w: expected %d arguments, got %d", models.ErrInvalidArguments, MoverArgumentCount, len(args)))
	}

	conf, err := ParseBatchArguments(args[:BatchArgumentCount])
	if err != nil {
		return models.MovementConfiguration{}, models.LogOptions{}, err
	}
	saveLog, err := parseBool("saveLog", args[14])
	if err != nil {
		return models.MovementConfiguration{}, models.LogOptions{}, err
	}
	return conf, models.LogOptions{SaveLog: saveLog, LogPath: args[15]}, nil
}

// ParseLogOptions resolves a saveLog/logPath pair
func ParseLogOptions(saveLog, logPath string) (models.LogOptions, error) {
	save, err := parseBool("saveLog", saveLog)
	if err != nil {
		return models.LogOptions{}, err
	}
	return models.LogOptions{SaveLog: save, LogPath: logPath}, nil
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return false, models.ConfigurationError("read arguments",
			fmt.Errorf("%w: %s must be true or false, got %q", models.ErrInvalidArguments, name, value))
	}
	return b, nil
}

// ResolveAccounts validates the configuration and parses both connection strings.
// Nothing is persisted before this succeeds.
func ResolveAccounts(conf models.MovementConfiguration) (src Account, dest Account, err error) {
	if err = conf.Validate(); err != nil {
		return Account{}, Account{}, err
	}

	if src, err = ParseConnectionString(conf.SrcAccountConnectionString); err != nil {
		return Account{}, Account{}, fmt.Errorf("source account: %w", err)
	}
	if dest, err = ParseConnectionString(conf.DestAccountConnectionString); err != nil {
		return Account{}, Account{}, fmt.Errorf("destination account: %w", err)
	}
	return src, dest, nil
}
