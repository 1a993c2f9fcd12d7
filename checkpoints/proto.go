package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Wire layout of a protobuf checkpoint:
//
//	message Checkpoint {
//	  TrainingState training_state = 1;
//	  repeated Weight weights = 2;
//	  Metadata metadata = 3;
//	}
//	message TrainingState {
//	  int64 epoch = 1;
//	  double train_loss = 2;
//	  double val_acc = 3;
//	  double margin = 4;
//	  string loss_kind = 5;
//	  double learning_rate = 6;
//	}
//	message Weight {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed = true];
//	  repeated double data = 3 [packed = true];
//	}
//	message Metadata {
//	  string version = 1;
//	  string framework = 2;
//	  google.protobuf.Timestamp created_at = 3;
//	  string description = 4;
//	  google.protobuf.Struct extra = 5;
//	}
const (
	fieldTrainingState = 1
	fieldWeights       = 2
	fieldMetadata      = 3

	fieldEpoch        = 1
	fieldTrainLoss    = 2
	fieldValAcc       = 3
	fieldMargin       = 4
	fieldLossKind     = 5
	fieldLearningRate = 6

	fieldWeightName  = 1
	fieldWeightShape = 2
	fieldWeightData  = 3

	fieldVersion     = 1
	fieldFramework   = 2
	fieldCreatedAt   = 3
	fieldDescription = 4
	fieldExtra       = 5
)

// MarshalProto encodes a checkpoint in protobuf wire format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}

	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)

	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto. Unknown
// fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType || num < fieldTrainingState || num > fieldMetadata {
			return -1, nil
		}
		msg, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		var err error
		switch num {
		case fieldTrainingState:
			c.TrainingState, err = unmarshalTrainingState(msg)
		case fieldWeights:
			var w WeightTensor
			w, err = unmarshalWeight(msg)
			c.Weights = append(c.Weights, w)
		case fieldMetadata:
			c.Metadata, err = unmarshalMetadata(msg)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// walkFields calls fn for every field in b. fn returns the number of value
// bytes it consumed, or -1 to skip the field.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		used, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %v", num, err)
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeDouble(typ protowire.Type, v []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("expected fixed64, got wire type %d", typ)
	}
	bits, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(bits), n, nil
}

func consumeString(typ protowire.Type, v []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("expected bytes, got wire type %d", typ)
	}
	s, n := protowire.ConsumeString(v)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return s, n, nil
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = appendDouble(b, fieldTrainLoss, s.TrainLoss)
	b = appendDouble(b, fieldValAcc, s.BestValAccuracy)
	b = appendDouble(b, fieldMargin, s.Margin)
	b = appendString(b, fieldLossKind, s.LossKind)
	b = appendDouble(b, fieldLearningRate, s.LearningRate)
	return b
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldEpoch:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("expected varint, got wire type %d", typ)
			}
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			s.Epoch = int(int64(x))
			return n, nil
		case fieldTrainLoss, fieldValAcc, fieldMargin, fieldLearningRate:
			f, n, err := consumeDouble(typ, v)
			switch num {
			case fieldTrainLoss:
				s.TrainLoss = f
			case fieldValAcc:
				s.BestValAccuracy = f
			case fieldMargin:
				s.Margin = f
			case fieldLearningRate:
				s.LearningRate = f
			}
			return n, err
		case fieldLossKind:
			str, n, err := consumeString(typ, v)
			s.LossKind = str
			return n, err
		}
		return -1, nil
	})
	return s, err
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, fieldWeightName, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, f := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(f))
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldWeightName:
			s, n, err := consumeString(typ, v)
			w.Name = s
			return n, err
		case fieldWeightShape:
			switch typ {
			case protowire.VarintType:
				x, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(x))
				return n, nil
			case protowire.BytesType:
				packed, n := protowire.ConsumeBytes(v)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				for len(packed) > 0 {
					x, m := protowire.ConsumeVarint(packed)
					if m < 0 {
						return 0, protowire.ParseError(m)
					}
					w.Shape = append(w.Shape, int(x))
					packed = packed[m:]
				}
				return n, nil
			}
		case fieldWeightData:
			switch typ {
			case protowire.Fixed64Type:
				f, n, err := consumeDouble(typ, v)
				w.Data = append(w.Data, f)
				return n, err
			case protowire.BytesType:
				packed, n := protowire.ConsumeBytes(v)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				if len(packed)%8 != 0 {
					return 0, fmt.Errorf("packed double field has %d bytes", len(packed))
				}
				w.Data = make([]float64, 0, len(packed)/8)
				for len(packed) > 0 {
					bits, m := protowire.ConsumeFixed64(packed)
					w.Data = append(w.Data, math.Float64frombits(bits))
					packed = packed[m:]
				}
				return n, nil
			}
		}
		return -1, nil
	})
	return w, err
}

func marshalMetadata(m CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldVersion, m.Version)
	b = appendString(b, fieldFramework, m.Framework)

	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to encode created_at: %v", err)
		}
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}

	b = appendString(b, fieldDescription, m.Description)

	if len(m.Extra) > 0 {
		st, err := structpb.NewStruct(m.Extra)
		if err != nil {
			return nil, fmt.Errorf("metadata extra is not JSON-compatible: %v", err)
		}
		extra, err := proto.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata extra: %v", err)
		}
		b = protowire.AppendTag(b, fieldExtra, protowire.BytesType)
		b = protowire.AppendBytes(b, extra)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldVersion, fieldFramework, fieldDescription:
			s, n, err := consumeString(typ, v)
			switch num {
			case fieldVersion:
				m.Version = s
			case fieldFramework:
				m.Framework = s
			case fieldDescription:
				m.Description = s
			}
			return n, err
		case fieldCreatedAt, fieldExtra:
			if typ != protowire.BytesType {
				return 0, fmt.Errorf("expected bytes, got wire type %d", typ)
			}
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == fieldCreatedAt {
				var ts timestamppb.Timestamp
				if err := proto.Unmarshal(msg, &ts); err != nil {
					return 0, err
				}
				m.CreatedAt = ts.AsTime()
				return n, nil
			}
			var st structpb.Struct
			if err := proto.Unmarshal(msg, &st); err != nil {
				return 0, err
			}
			m.Extra = st.AsMap()
			return n, nil
		}
		return -1, nil
	})
	return m, err
}
