package scaler

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/jmylchreest/scalerd/pkg/slab"
)

// InputBuffer describes the source of a task.
type InputBuffer struct {
	// Width and Height declare the buffer size. Zero takes the size of Pixels.
	Width  int
	Height int
	Pixels image.Image
}

// OutputBuffer describes the destination of a task.
type OutputBuffer struct {
	// Width and Height declare the buffer size. Zero takes the size of Pixels.
	Width  int
	Height int
	Pixels draw.Image
}

// TaskDescriptor is one scaling request.
type TaskDescriptor struct {
	Input  InputBuffer
	Output OutputBuffer

	// InputCrop selects the source region. The zero rectangle selects the
	// whole input buffer.
	InputCrop image.Rectangle

	// OutputActive selects the destination region. The zero rectangle
	// selects the whole output buffer.
	OutputActive image.Rectangle

	InputUserData  any
	OutputUserData any
}

// taskStatus tracks which completions a task has delivered.
type taskStatus uint8

const (
	statusDone taskStatus = 1 << iota
	statusInputReleased
	statusOutputReleased
)

type task struct {
	session slab.Ref
	frameID uint32
	status  taskStatus
	valid   bool
	job     Job

	inputUserData  any
	outputUserData any
}

// prepare validates desc and builds the job geometry.
func prepare(desc TaskDescriptor) (Job, error) {
	inSize, err := bufferSize("input", desc.Input.Width, desc.Input.Height, desc.Input.Pixels)
	if err != nil {
		return Job{}, err
	}
	var outPixels image.Image
	if desc.Output.Pixels != nil {
		outPixels = desc.Output.Pixels
	}
	outSize, err := bufferSize("output", desc.Output.Width, desc.Output.Height, outPixels)
	if err != nil {
		return Job{}, err
	}

	crop := desc.InputCrop
	if crop == (image.Rectangle{}) {
		crop = inSize.Bounds()
	}
	crop, ok := ClampRect(crop, inSize)
	if !ok {
		return Job{}, fmt.Errorf("%w: input crop %v outside %v buffer", ErrInvalidArgument, desc.InputCrop, inSize)
	}

	active := desc.OutputActive
	if active == (image.Rectangle{}) {
		active = outSize.Bounds()
	}
	active, ok = ClampRect(active, outSize)
	if !ok {
		return Job{}, fmt.Errorf("%w: output active %v outside %v buffer", ErrInvalidArgument, desc.OutputActive, outSize)
	}

	return Job{
		Input:        desc.Input.Pixels,
		InputSize:    inSize,
		InputCrop:    crop,
		Output:       desc.Output.Pixels,
		OutputSize:   outSize,
		OutputActive: active,
	}, nil
}

func bufferSize(name string, width, height int, pixels image.Image) (Size, error) {
	size := Size{Width: width, Height: height}
	if pixels != nil {
		b := pixels.Bounds()
		if size.Width == 0 {
			size.Width = b.Dx()
		}
		if size.Height == 0 {
			size.Height = b.Dy()
		}
	}
	if size.Empty() {
		return Size{}, fmt.Errorf("%w: %s buffer size %v", ErrInvalidArgument, name, size)
	}
	return size, nil
}
