package application

import (
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
	"github.com/ericfisherdev/credseal/internal/seal"
)

// sealLayer is one authenticated encryption layer with its own key.
type sealLayer struct {
	name string
	key  *secret.Buffer
}

// layerPipeline applies sealLayers innermost first and opens them in
// reverse. Simple and split-secret artifacts use one layer; advanced
// artifacts use an inner and an outer layer.
type layerPipeline struct {
	sealer seal.Sealer
	layers []sealLayer
	maxAge time.Duration
}

func (p layerPipeline) seal(plaintext []byte) ([]byte, error) {
	data := plaintext
	for i, layer := range p.layers {
		token, err := p.sealer.Seal(layer.key.Bytes(), data)
		if i > 0 {
			secret.Zero(data)
		}
		if err != nil {
			return nil, layerError("seal", layer.name, err)
		}
		data = token
	}
	return data, nil
}

func (p layerPipeline) open(token []byte) ([]byte, error) {
	data := token
	for i := len(p.layers) - 1; i >= 0; i-- {
		layer := p.layers[i]

		var (
			plaintext []byte
			err       error
		)
		if p.maxAge > 0 {
			plaintext, err = p.sealer.OpenWithTTL(layer.key.Bytes(), data, p.maxAge)
		} else {
			plaintext, err = p.sealer.Open(layer.key.Bytes(), data)
		}
		if i < len(p.layers)-1 {
			secret.Zero(data)
		}
		if err != nil {
			return nil, layerError("open", layer.name, err)
		}
		data = plaintext
	}
	return data, nil
}

func layerError(verb, name string, err error) error {
	op := fmt.Sprintf("%s %s layer", verb, name)
	switch {
	case errors.Is(err, seal.ErrInvalidToken):
		return model.Fail(model.KindAuthenticationFailed, op, err)
	case errors.Is(err, seal.ErrKeySize):
		return model.Fail(model.KindKeyMaterialNotFound, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
