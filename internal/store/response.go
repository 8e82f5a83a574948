package store

// ResponseKind tags the variants emitted by Observe.
type ResponseKind int

const (
	KindLoading ResponseKind = iota
	KindData
	KindError
)

func (k ResponseKind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindData:
		return "data"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Origin says where a Data value was read from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Response is one emission of an observed key.
type Response[V any] struct {
	Kind   ResponseKind
	Value  V
	Origin Origin
	Err    error
}

func loading[V any]() Response[V] {
	return Response[V]{Kind: KindLoading}
}

func data[V any](v V, origin Origin) Response[V] {
	return Response[V]{Kind: KindData, Value: v, Origin: origin}
}

func failed[V any](err error) Response[V] {
	return Response[V]{Kind: KindError, Err: err}
}
