package encoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/types/shapes"
)

// ResidualInit selects how the residual projection weights start out.
type ResidualInit int

const (
	// ResidualInitIdentity starts the projection as an identity map (an
	// eye matrix, truncated when the dimensions differ), so the transform
	// initially passes its input through.
	ResidualInitIdentity ResidualInit = iota

	// ResidualInitGlorot uses the context's default glorot-uniform
	// initialization.
	ResidualInitGlorot
)

// String implements fmt.Stringer.
func (r ResidualInit) String() string {
	switch r {
	case ResidualInitIdentity:
		return "identity"
	case ResidualInitGlorot:
		return "glorot"
	}
	return "invalid"
}

// ResidualInitFromString parses an init name ("identity" or "glorot").
func ResidualInitFromString(name string) ResidualInit {
	switch name {
	case "identity":
		return ResidualInitIdentity
	case "glorot":
		return ResidualInitGlorot
	}
	Panicf("unknown residual init %q, valid values are \"identity\" and \"glorot\"", name)
	return ResidualInitIdentity
}

// identityInitializer returns a VariableInitializer that builds an eye
// matrix of the requested shape.
func identityInitializer() context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() != 2 {
			Panicf("identity initialization requires a rank-2 shape, got %s", shape)
		}
		rows := Iota(g, shape, 0)
		cols := Iota(g, shape, 1)
		return ConvertDType(Equal(rows, cols), shape.DType)
	}
}

// Residual applies the post-encoder residual transform: a projection to
// outputDim followed by batch normalization, relu and dropout, added to the
// input zero-padded to outputDim.
//
// outputDim must be at least the input's feature dimension, shrinking the
// representation would truncate the skip connection. Variables live under
// the given context scope; scope it per transform.
func Residual(ctx *context.Context, x *Node, outputDim int, dropoutRate float64, init ResidualInit) *Node {
	if x.Rank() != 2 {
		Panicf("residual transform requires a rank-2 [batch, dim] input, got shape %s", x.Shape())
	}
	inputDim := x.Shape().Dim(1)
	if outputDim < inputDim {
		Panicf("residual transform cannot shrink its input: outputDim=%d < inputDim=%d",
			outputDim, inputDim)
	}
	if dropoutRate < 0 || dropoutRate >= 1 {
		Panicf("residual transform dropout rate must be in [0, 1), got %g", dropoutRate)
	}
	g := x.Graph()

	weightsCtx := ctx
	if init == ResidualInitIdentity {
		weightsCtx = ctx.WithInitializer(identityInitializer())
	}
	weightsVar := weightsCtx.VariableWithShape("weights", shapes.Make(x.DType(), inputDim, outputDim))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(x.DType(), outputDim))
	hidden := Add(MatMul(x, weightsVar.ValueGraph(g)), InsertAxes(biasVar.ValueGraph(g), 0))
	hidden = batchnorm.New(ctx.In("norm"), hidden, -1).Done()
	hidden = activations.Relu(hidden)
	if dropoutRate > 0 {
		hidden = layers.DropoutStatic(ctx, hidden, dropoutRate)
	}

	skip := x
	if outputDim > inputDim {
		padding := Zeros(g, shapes.Make(x.DType(), x.Shape().Dim(0), outputDim-inputDim))
		skip = Concatenate([]*Node{skip, padding}, -1)
	}
	return Add(hidden, skip)
}
