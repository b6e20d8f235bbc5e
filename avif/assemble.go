package avif

// copyFromTile stitches one decoded cell into the destination image at
// the row-major position tileIndex of the grid. Rightmost-column and
// bottommost-row cells are clamped to the declared output size.
func (img *Image) copyFromTile(tile *Image, grid *Grid, tileIndex uint32, category Category) error {
	rowIndex := tileIndex / grid.Columns
	columnIndex := tileIndex % grid.Columns
	for _, plane := range category.Planes() {
		if !tile.HasPlane(plane) {
			continue
		}
		srcWidth := uint64(tile.PlaneWidth(plane))
		srcHeight := uint64(tile.PlaneHeight(plane))
		dstWidth := uint64(img.PlaneWidth(plane))
		dstHeight := uint64(img.PlaneHeight(plane))

		widthToCopy := srcWidth
		if columnIndex == grid.Columns-1 {
			// Clamp the last column to the leftover width.
			widthSoFar := srcWidth * uint64(columnIndex)
			if widthSoFar > dstWidth {
				return ErrInvalidImageGrid
			}
			widthToCopy = dstWidth - widthSoFar
		}
		heightToCopy := srcHeight
		if rowIndex == grid.Rows-1 {
			heightSoFar := srcHeight * uint64(rowIndex)
			if heightSoFar > dstHeight {
				return ErrInvalidImageGrid
			}
			heightToCopy = dstHeight - heightSoFar
		}
		dstX := srcWidth * uint64(columnIndex)
		dstY := srcHeight * uint64(rowIndex)
		if err := copyPlaneRect(tile, img, plane, 0, 0, dstX, dstY, widthToCopy, heightToCopy); err != nil {
			return err
		}
	}
	return nil
}

// copyAndOverlayFromTile places one decoded overlay input onto the canvas
// at its signed offset, clipping to the canvas bounds.
func (img *Image) copyAndOverlayFromTile(tile *Image, info *TileInfo, tileIndex uint32, category Category) error {
	if int(tileIndex) >= len(info.Overlay.HorizontalOffsets) {
		return ErrInvalidImageGrid
	}
	// Per ISO/IEC 23008-12 Section 6.6.5: offsets may be negative and
	// inputs may extend past the canvas; only the intersection lands.
	offsetX := int64(info.Overlay.HorizontalOffsets[tileIndex])
	offsetY := int64(info.Overlay.VerticalOffsets[tileIndex])
	canvasW := int64(img.Width)
	canvasH := int64(img.Height)
	tileW := int64(tile.Width)
	tileH := int64(tile.Height)

	srcX := int64(0)
	srcY := int64(0)
	if offsetX < 0 {
		srcX = -offsetX
		offsetX = 0
	}
	if offsetY < 0 {
		srcY = -offsetY
		offsetY = 0
	}
	copyW := tileW - srcX
	copyH := tileH - srcY
	if offsetX+copyW > canvasW {
		copyW = canvasW - offsetX
	}
	if offsetY+copyH > canvasH {
		copyH = canvasH - offsetY
	}
	if copyW <= 0 || copyH <= 0 {
		return nil
	}
	for _, plane := range category.Planes() {
		if !tile.HasPlane(plane) {
			continue
		}
		shiftX := uint32(0)
		shiftY := uint32(0)
		if plane == PlaneU || plane == PlaneV {
			shiftX = img.YuvFormat.ChromaShiftX()
			shiftY = img.YuvFormat.ChromaShiftY()
		}
		err := copyPlaneRect(tile, img, plane,
			uint64(srcX)>>shiftX, uint64(srcY)>>shiftY,
			uint64(offsetX)>>shiftX, uint64(offsetY)>>shiftY,
			(uint64(copyW)+uint64(shiftX))>>shiftX, (uint64(copyH)+uint64(shiftY))>>shiftY)
		if err != nil {
			return err
		}
	}
	return nil
}

// copyPlaneRect copies a width x height sample block between planes,
// honoring each side's stride and the shared bit depth.
func copyPlaneRect(src, dst *Image, plane Plane, srcX, srcY, dstX, dstY, width, height uint64) error {
	if src.Depth != dst.Depth {
		return ErrInvalidArgument
	}
	// Clamp to both surfaces; chroma rounding can overshoot by one.
	if srcX+width > uint64(src.PlaneWidth(plane)) {
		if srcX >= uint64(src.PlaneWidth(plane)) {
			return nil
		}
		width = uint64(src.PlaneWidth(plane)) - srcX
	}
	if dstX+width > uint64(dst.PlaneWidth(plane)) {
		if dstX >= uint64(dst.PlaneWidth(plane)) {
			return nil
		}
		width = uint64(dst.PlaneWidth(plane)) - dstX
	}
	if srcY+height > uint64(src.PlaneHeight(plane)) {
		if srcY >= uint64(src.PlaneHeight(plane)) {
			return nil
		}
		height = uint64(src.PlaneHeight(plane)) - srcY
	}
	if dstY+height > uint64(dst.PlaneHeight(plane)) {
		if dstY >= uint64(dst.PlaneHeight(plane)) {
			return nil
		}
		height = uint64(dst.PlaneHeight(plane)) - dstY
	}
	for y := uint64(0); y < height; y++ {
		if src.Depth == 8 {
			srcRow, err := src.Row(plane, uint32(srcY+y))
			if err != nil {
				return err
			}
			dstRow, err := dst.Row(plane, uint32(dstY+y))
			if err != nil {
				return err
			}
			copy(dstRow[dstX:dstX+width], srcRow[srcX:srcX+width])
		} else {
			srcRow, err := src.Row16(plane, uint32(srcY+y))
			if err != nil {
				return err
			}
			dstRow, err := dst.Row16(plane, uint32(dstY+y))
			if err != nil {
				return err
			}
			copy(dstRow[dstX:dstX+width], srcRow[srcX:srcX+width])
		}
	}
	return nil
}
