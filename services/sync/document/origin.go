// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

// Origin identifies the source of a transaction.
//
// # Description
//
// Every transaction committed against a Document carries exactly one Origin,
// and every ChangeSet delivered to listeners repeats it. The undo manager and
// the update-log sink dispatch on this value: only OriginLocal transactions
// are recorded for undo and only OriginLocal, OriginUndo and OriginRedo
// transactions are flushed to the network. OriginRemote marks history that
// belongs to another replica and is never revertible here.
//
// This is a closed enum. Do not add values without auditing every switch
// over Origin.
type Origin int

const (
	// OriginLocal is a transaction initiated by this replica's user.
	OriginLocal Origin = iota

	// OriginRemote is a transaction replayed from another replica.
	OriginRemote

	// OriginUndo is the inverse replay performed by the undo manager.
	OriginUndo

	// OriginRedo is the forward replay performed by the undo manager.
	OriginRedo
)

// String returns the wire/log name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginUndo:
		return "undo"
	case OriginRedo:
		return "redo"
	default:
		return "unknown"
	}
}

// Replayed reports whether the origin is one of the undo manager's replays.
func (o Origin) Replayed() bool {
	return o == OriginUndo || o == OriginRedo
}
