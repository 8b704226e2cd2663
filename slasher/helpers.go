package slasher

import (
	"fmt"

	"github.com/pkg/errors"
	types "github.com/prysmaticlabs/eth2-types"
	"github.com/sirupsen/logrus"

	slashertypes "github.com/tibi77/lighthouse/slasher/types"
)

// Validates the integrity of a single attestation record, ensuring the
// source epoch is strictly less than the target epoch, which is a
// precondition for performing slashing detection, and that the record
// has not aged out of the history we keep track of. Records failing
// validation are surfaced per-record and never persisted.
func validateRecordIntegrity(
	record *slashertypes.AttestationRecord, currentEpoch types.Epoch, historyLength types.Epoch,
) error {
	if record == nil {
		return errors.New("nil attestation record")
	}
	if record.Source >= record.Target {
		return errors.Errorf(
			"source epoch %d must be less than target epoch %d", record.Source, record.Target,
		)
	}
	if record.Source+historyLength <= currentEpoch {
		return errors.Errorf(
			"source epoch %d is older than the history length %d at epoch %d",
			record.Source, historyLength, currentEpoch,
		)
	}
	return nil
}

// Filters a queue drain into records that are valid now, records whose
// target epoch is still in the future (deferred for a later tick), and
// the number dropped for failing validation.
func (s *Service) filterRecords(
	records []*slashertypes.AttestationRecord, currentEpoch types.Epoch,
) (valid, validInFuture []*slashertypes.AttestationRecord, numDropped int) {
	valid = make([]*slashertypes.AttestationRecord, 0, len(records))
	validInFuture = make([]*slashertypes.AttestationRecord, 0, len(records))
	for _, record := range records {
		if err := validateRecordIntegrity(record, currentEpoch, s.params.historyLength); err != nil {
			numDropped++
			continue
		}
		if record.Target > currentEpoch {
			validInFuture = append(validInFuture, record)
		} else {
			valid = append(valid, record)
		}
	}
	return
}

// Logs a detected offense with its particular details as fields to our
// logger.
func logSlashingEvent(outcome *slashertypes.Outcome) {
	switch outcome.Kind {
	case slashertypes.DoubleVote:
		log.WithFields(logrus.Fields{
			"validatorIndex":  outcome.Record.ValidatorIndex,
			"targetEpoch":     outcome.Record.Target,
			"signingRoot":     fmt.Sprintf("%#x", outcome.Record.SigningRoot),
			"prevSigningRoot": fmt.Sprintf("%#x", outcome.PrevRecord.SigningRoot),
		}).Info("Attester double vote slashing")
	case slashertypes.SurroundingVote:
		log.WithFields(logrus.Fields{
			"validatorIndex":  outcome.Record.ValidatorIndex,
			"prevSourceEpoch": outcome.PrevRecord.Source,
			"prevTargetEpoch": outcome.PrevRecord.Target,
			"sourceEpoch":     outcome.Record.Source,
			"targetEpoch":     outcome.Record.Target,
		}).Info("Attester surrounding vote slashing")
	case slashertypes.SurroundedVote:
		log.WithFields(logrus.Fields{
			"validatorIndex":  outcome.Record.ValidatorIndex,
			"prevSourceEpoch": outcome.PrevRecord.Source,
			"prevTargetEpoch": outcome.PrevRecord.Target,
			"sourceEpoch":     outcome.Record.Source,
			"targetEpoch":     outcome.Record.Target,
		}).Info("Attester surrounded vote slashing")
	default:
		return
	}
}
