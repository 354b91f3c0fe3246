// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package structure

import (
	"bufio"
	"fmt"
	"io"

	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/pkg/errors"
)

// UnknownResidue is the residue name used in the PDB records: the backbone carries no
// side-chain information.
const UnknownResidue = "UNK"

// WritePDB writes the chains as backbone-only PDB ATOM records, one PDB chain (identified
// 'A', 'B', ...) per Chain, followed by an END record.
//
// Columns follow the PDB format: serial in 7-11, atom name in 13-16, residue name in 18-20,
// chain identifier in 22, residue number in 23-26 and coordinates in 31-54.
func WritePDB(w io.Writer, chains []Chain) error {
	if len(chains) > 26 {
		return errors.Errorf("PDB output supports at most 26 chains, got %d", len(chains))
	}
	buf := bufio.NewWriter(w)
	serial := 1
	for chainIdx, c := range chains {
		if len(c)%geometry.AtomsPerResidue != 0 {
			return errors.Errorf("chain #%d has %d atoms, which is not a multiple of %d",
				chainIdx, len(c), geometry.AtomsPerResidue)
		}
		chainID := byte('A' + chainIdx)
		for ii, p := range c {
			element := geometry.AtomNames[ii%geometry.AtomsPerResidue][:1]
			_, err := fmt.Fprintf(buf, "ATOM  %5d  %-3s %3s %c%4d    %8.3f%8.3f%8.3f%6.2f%6.2f          %2s\n",
				serial, geometry.AtomNames[ii%geometry.AtomsPerResidue], UnknownResidue, chainID,
				ii/geometry.AtomsPerResidue+1, p.X, p.Y, p.Z, 1.0, 0.0, element)
			if err != nil {
				return errors.Wrap(err, "failed to write PDB ATOM record")
			}
			serial++
		}
		if len(c) > 0 {
			if _, err := fmt.Fprintf(buf, "TER   %5d      %3s %c%4d\n",
				serial, UnknownResidue, chainID, c.NumResidues()); err != nil {
				return errors.Wrap(err, "failed to write PDB TER record")
			}
			serial++
		}
	}
	if _, err := fmt.Fprintln(buf, "END"); err != nil {
		return errors.Wrap(err, "failed to write PDB END record")
	}
	return errors.Wrap(buf.Flush(), "failed to flush PDB output")
}
