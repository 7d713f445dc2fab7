// Package capability resolves opaque engine types and members by name at
// runtime. The engine's modules load independently and in no guaranteed
// order, so a failed lookup is never an error to act on; it means "not
// available this tick, ask again later".
package capability

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/hostengine"
)

var (
	// ErrNotFound indicates the type or member is not (yet) resolvable.
	ErrNotFound = errors.New("capability not found")
	// ErrFault indicates an invoked engine operation raised a fault.
	ErrFault = errors.New("capability invocation fault")
)

// Capability is a resolved engine type: the named singleton instance backing
// it plus its runtime type.
type Capability struct {
	TypeName string
	Target   interface{}
}

type memberKind int

const (
	memberMethod memberKind = iota
	memberField
)

// MemberHandle is a resolved member of a Capability's type. Handles are
// bound to the type, not the instance, so they stay valid across lookups.
type MemberHandle struct {
	TypeName string
	Member   string

	kind memberKind
}

// ModuleSource provides the set of loaded engine modules to scan. Satisfied
// by *hostengine.Engine.
type ModuleSource interface {
	Modules() []*hostengine.Module
}

// Service implements the lookup contract with a success-only cache. Failed
// lookups are deliberately not cached: a name that misses now may resolve
// once the engine finishes loading further modules.
type Service struct {
	source ModuleSource
	logger *logrus.Logger
	cache  *gocache.Cache
}

func NewService(source ModuleSource, logger *logrus.Logger) *Service {
	return &Service{
		source: source,
		logger: logger,
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Find resolves typeName against every loaded module, not just the first;
// the target type may be defined in any of them.
func (s *Service) Find(typeName string) (*Capability, error) {
	if cached, ok := s.cache.Get(typeCacheKey(typeName)); ok {
		return cached.(*Capability), nil
	}

	for _, module := range s.source.Modules() {
		target, ok := module.Lookup(typeName)
		if !ok {
			continue
		}

		capability := &Capability{TypeName: typeName, Target: target}
		s.cache.Set(typeCacheKey(typeName), capability, gocache.NoExpiration)
		return capability, nil
	}

	return nil, fmt.Errorf("type %s: %w", typeName, ErrNotFound)
}

// FindMember resolves a method or exported field of the capability's type.
// Methods shadow fields of the same name.
func (s *Service) FindMember(capability *Capability, memberName string) (*MemberHandle, error) {
	cacheKey := memberCacheKey(capability.TypeName, memberName)
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(*MemberHandle), nil
	}

	targetType := reflect.TypeOf(capability.Target)
	if _, ok := targetType.MethodByName(memberName); ok {
		handle := &MemberHandle{TypeName: capability.TypeName, Member: memberName, kind: memberMethod}
		s.cache.Set(cacheKey, handle, gocache.NoExpiration)
		return handle, nil
	}

	structType := targetType
	if structType.Kind() == reflect.Ptr {
		structType = structType.Elem()
	}
	if structType.Kind() == reflect.Struct {
		if _, ok := structType.FieldByName(memberName); ok {
			handle := &MemberHandle{TypeName: capability.TypeName, Member: memberName, kind: memberField}
			s.cache.Set(cacheKey, handle, gocache.NoExpiration)
			return handle, nil
		}
	}

	return nil, fmt.Errorf("member %s.%s: %w", capability.TypeName, memberName, ErrNotFound)
}

// Invoke calls a method handle with args, or reads (no args) / writes (one
// arg) a field handle. All engine-side panics surface as ErrFault; callers
// treat a fault as "unavailable this tick" and carry on.
func (s *Service) Invoke(handle *MemberHandle, target interface{}, args ...interface{}) (result interface{}, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Debugf("fault invoking %s.%s: %v", handle.TypeName, handle.Member, recovered)
			result = nil
			err = fmt.Errorf("invoking %s.%s: %v: %w", handle.TypeName, handle.Member, recovered, ErrFault)
		}
	}()

	switch handle.kind {
	case memberMethod:
		return s.invokeMethod(handle, target, args)
	case memberField:
		return s.accessField(handle, target, args)
	}
	return nil, fmt.Errorf("unknown member kind for %s.%s: %w", handle.TypeName, handle.Member, ErrFault)
}

func (s *Service) invokeMethod(handle *MemberHandle, target interface{}, args []interface{}) (interface{}, error) {
	method := reflect.ValueOf(target).MethodByName(handle.Member)
	if !method.IsValid() {
		return nil, fmt.Errorf("method %s.%s: %w", handle.TypeName, handle.Member, ErrNotFound)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}

	out := method.Call(in)

	// A trailing error return is unwrapped into the fault channel; any
	// preceding value is the result.
	var result interface{}
	for _, value := range out {
		if callErr, ok := value.Interface().(error); ok {
			if callErr != nil {
				return nil, fmt.Errorf("%s.%s: %v: %w", handle.TypeName, handle.Member, callErr, ErrFault)
			}
			continue
		}
		if result == nil {
			result = value.Interface()
		}
	}
	return result, nil
}

func (s *Service) accessField(handle *MemberHandle, target interface{}, args []interface{}) (interface{}, error) {
	value := reflect.ValueOf(target)
	if value.Kind() == reflect.Ptr {
		value = value.Elem()
	}
	field := value.FieldByName(handle.Member)
	if !field.IsValid() {
		return nil, fmt.Errorf("field %s.%s: %w", handle.TypeName, handle.Member, ErrNotFound)
	}

	switch len(args) {
	case 0:
		return field.Interface(), nil
	case 1:
		if !field.CanSet() {
			return nil, fmt.Errorf("field %s.%s is not settable: %w", handle.TypeName, handle.Member, ErrFault)
		}
		newValue := reflect.ValueOf(args[0])
		if !newValue.Type().AssignableTo(field.Type()) {
			return nil, fmt.Errorf("cannot assign %T to %s.%s: %w", args[0], handle.TypeName, handle.Member, ErrFault)
		}
		field.Set(newValue)
		return nil, nil
	default:
		return nil, fmt.Errorf("field access takes at most one argument: %w", ErrFault)
	}
}

func typeCacheKey(typeName string) string {
	return "type:" + typeName
}

func memberCacheKey(typeName, memberName string) string {
	return "member:" + typeName + "." + memberName
}
